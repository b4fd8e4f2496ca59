package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinCode_RoundTrip(t *testing.T) {
	in := JoinInfo{
		SessionID: "0190f2c1-5b7e-7a4c-9d2e-3f1a2b3c4d5e",
		Host:      "192.168.1.20",
		Port:      7400,
		BlobPort:  7401,
		Secret:    []byte{1, 2, 3, 4},
		Epoch:     3,
	}
	code, err := EncodeJoin(in)
	require.NoError(t, err)
	assert.NotContains(t, code, "=")
	assert.NotContains(t, code, "/")

	out, err := DecodeJoin("  " + code + "\n")
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "192.168.1.20:7400", out.MetaAddr())
	assert.Equal(t, "192.168.1.20:7401", out.BlobAddr())
}

func TestDecodeJoin_Errors(t *testing.T) {
	encode := func(j JoinInfo) string {
		code, err := EncodeJoin(j)
		require.NoError(t, err)
		return code
	}
	tests := []struct {
		name string
		code string
		want string
	}{
		{"not base64", "!!!", "decode join code"},
		{"not json", "bm90IGpzb24", "decode join code"},
		{"no session", encode(JoinInfo{Host: "h", Port: 1}), "missing session id"},
		{"no host", encode(JoinInfo{SessionID: "s", Port: 1}), "missing host"},
		{"bad port", encode(JoinInfo{SessionID: "s", Host: "h", Port: 70000}), "bad port"},
		{"bad blob port", encode(JoinInfo{SessionID: "s", Host: "h", Port: 1, BlobPort: -1}), "bad blob port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJoin(tt.code)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestJoinInfo_NoBlobPort(t *testing.T) {
	assert.Equal(t, "", JoinInfo{Host: "h", Port: 1}.BlobAddr())
}

func TestAdvertiseHost(t *testing.T) {
	assert.Equal(t, "10.1.2.3", advertiseHost("10.1.2.3:7400"))
	assert.NotEmpty(t, advertiseHost("[::]:7400"))
	assert.NotEqual(t, "0.0.0.0", advertiseHost("0.0.0.0:7400"))
}
