// Package net has helpers for picking listen addresses.
package net

import (
	"fmt"
	"net"
	"strconv"
)

// FreeTCPPort asks the kernel for a TCP port on host that is free right now.
// The port is released before returning, so another process can still race for it.
func FreeTCPPort(host string) (int, error) {
	hostPort := net.JoinHostPort(host, "0")
	addr, err := net.ResolveTCPAddr("tcp", hostPort)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", hostPort, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// LoopbackAddr returns "127.0.0.1:<port>" for a free port, along with the port.
func LoopbackAddr() (string, int, error) {
	port, err := FreeTCPPort("127.0.0.1")
	if err != nil {
		return "", 0, err
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), port, nil
}

// ResolveListenAddr replaces a zero port in addr with a free one, so the chosen address can be logged and handed to clients before listening.
func ResolveListenAddr(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("splitting %q: %w", addr, err)
	}
	if portStr != "0" && portStr != "" {
		return addr, nil
	}
	if host == "" {
		host = "0.0.0.0"
	}
	port, err := FreeTCPPort(host)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
