package child

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in     string
		exp    Policy
		expErr bool
	}{
		{in: "", exp: CaptureOnly},
		{in: "capture", exp: CaptureOnly},
		{in: "default", exp: CaptureOnly},
		{in: "capture-and-forward", exp: CaptureAndForward},
		{in: "Inherit", exp: CaptureAndForward},
		{in: "forward", exp: ForwardOnly},
		{in: " discard ", exp: Discard},
		{in: "none", exp: Discard},
		{in: "tee", expErr: true},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			p, err := ParsePolicy(c.in)
			if c.expErr {
				assert.ErrorIs(t, err, ErrUnknownPolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, p)
		})
	}
}

func TestPolicyConnected(t *testing.T) {
	assert.True(t, CaptureOnly.Connected())
	assert.True(t, CaptureAndForward.Connected())
	assert.False(t, ForwardOnly.Connected())
	assert.False(t, Discard.Connected())
}

func TestPolicyJSON(t *testing.T) {
	type req struct {
		Stdout Policy
		Stderr Policy
	}
	b, err := json.Marshal(req{Stdout: CaptureAndForward, Stderr: Discard})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Stdout":"capture-and-forward","Stderr":"discard"}`, string(b))

	var decoded req
	require.NoError(t, json.Unmarshal([]byte(`{"Stdout":"inherit"}`), &decoded))
	assert.Equal(t, CaptureAndForward, decoded.Stdout)
	assert.Equal(t, CaptureOnly, decoded.Stderr)

	_, err = json.Marshal(req{Stdout: Policy(42)})
	assert.Error(t, err)
}
