package agent

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// DefaultServerName is the name clients verify the agent's cert against when no other name is configured.
// Clients dial the agent's IP directly and only use this name for TLS.
const DefaultServerName = "nodeagent"

// Cert file names inside a certs dir.
const (
	CACertFile     = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"
)

// Certs contains the TLS client and server certs and keys for configuring mTLS on the client and server.
// This contains the secrets necessary for authz, so handle carefully.
// The CA key is never persisted, so a certs dir can't be used to issue more certs.
type Certs struct {
	Server Cert
	Client Cert
	CA     Cert

	// ServerName is the DNS name in the server cert.
	ServerName string
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertPEMBytes []byte
	KeyPEMBytes  []byte

	key crypto.Signer
}

// CertOptions configure GenerateCertsWithOptions. Zero fields take defaults.
type CertOptions struct {
	CAName     string
	ServerName string
	ClientName string
	// Validity applies to every cert, default 7 days.
	Validity time.Duration
}

func (o CertOptions) withDefaults() CertOptions {
	if o.CAName == "" {
		o.CAName = "ChildrunCA"
	}
	if o.ServerName == "" {
		o.ServerName = DefaultServerName
	}
	if o.ClientName == "" {
		o.ClientName = "childrun"
	}
	if o.Validity <= 0 {
		o.Validity = 7 * 24 * time.Hour
	}
	return o
}

func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	cfg := &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
	}
	return cfg, nil
}

func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}

	return cfg, nil
}

// GenerateCerts generates a throwaway CA plus the server and client certs it signs, with default names and validity.
func GenerateCerts() (*Certs, error) {
	return GenerateCertsWithOptions(CertOptions{})
}

func GenerateCertsWithOptions(opts CertOptions) (*Certs, error) {
	opts = opts.withDefaults()
	notAfter := time.Now().Add(opts.Validity)

	ca, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: opts.CAName},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		NotAfter:              notAfter,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	server, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: opts.ServerName},
		DNSNames:    []string{opts.ServerName},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		NotAfter:    notAfter,
	}, ca)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	client, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: opts.ClientName},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		NotAfter:    notAfter,
	}, ca)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		Server:     *server,
		Client:     *client,
		CA:         *ca,
		ServerName: opts.ServerName,
	}, nil
}

// issue fills in serial, key and start time on tmpl and signs it with parent, or self-signs when parent is nil.
func issue(tmpl *x509.Certificate, parent *Cert) (*Cert, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	tmpl.SerialNumber = serialNumber
	tmpl.NotBefore = time.Now().Add(-1 * time.Minute)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	signerCert, signerKey := tmpl, crypto.Signer(key)
	if parent != nil {
		signerCert, signerKey = parent.X509Cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}
	x509Cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing created cert: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return &Cert{
		X509Cert:     x509Cert,
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}),
		key:          key,
	}, nil
}

// WriteDir writes the CA cert and the server and client pairs into dir, creating it if needed.
// Keys are only readable by the owner.
func (c *Certs) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating certs dir: %w", err)
	}
	files := []struct {
		name string
		b    []byte
		mode os.FileMode
	}{
		{CACertFile, c.CA.CertPEMBytes, 0o644},
		{ServerCertFile, c.Server.CertPEMBytes, 0o644},
		{ServerKeyFile, c.Server.KeyPEMBytes, 0o600},
		{ClientCertFile, c.Client.CertPEMBytes, 0o644},
		{ClientKeyFile, c.Client.KeyPEMBytes, 0o600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.b, f.mode); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

// LoadCerts reads a dir written by WriteDir. The CA cert is required; the server and client
// pairs are loaded when present, so an agent host only needs its own pair.
func LoadCerts(dir string) (*Certs, error) {
	read := func(name string, required bool) ([]byte, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		return b, nil
	}

	certs := &Certs{ServerName: DefaultServerName}
	var err error
	if certs.CA.CertPEMBytes, err = read(CACertFile, true); err != nil {
		return nil, err
	}
	if certs.Server.CertPEMBytes, err = read(ServerCertFile, false); err != nil {
		return nil, err
	}
	if certs.Server.KeyPEMBytes, err = read(ServerKeyFile, certs.Server.CertPEMBytes != nil); err != nil {
		return nil, err
	}
	if certs.Client.CertPEMBytes, err = read(ClientCertFile, false); err != nil {
		return nil, err
	}
	if certs.Client.KeyPEMBytes, err = read(ClientKeyFile, certs.Client.CertPEMBytes != nil); err != nil {
		return nil, err
	}

	if certs.Server.CertPEMBytes != nil {
		block, _ := pem.Decode(certs.Server.CertPEMBytes)
		if block == nil {
			return nil, fmt.Errorf("no PEM block in %s", ServerCertFile)
		}
		x509Cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", ServerCertFile, err)
		}
		certs.Server.X509Cert = x509Cert
		if len(x509Cert.DNSNames) > 0 {
			certs.ServerName = x509Cert.DNSNames[0]
		}
	}
	return certs, nil
}
