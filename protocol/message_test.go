package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeAuthenticate(t *testing.T) {
	raw := []byte(`{"type":"authenticate","address":"0xabc","timestamp":123,"signature":"sig"}`)
	msg, err := Decode(raw)
	require.NoError(t, err)

	auth, ok := msg.(*Authenticate)
	require.True(t, ok)
	require.Equal(t, "0xabc", auth.Address)
	require.Equal(t, int64(123), auth.Timestamp)
}

func TestDecodeHeartbeat(t *testing.T) {
	raw := []byte(`{"type":"heartbeat","ts":456}`)
	msg, err := Decode(raw)
	require.NoError(t, err)

	hb, ok := msg.(*Heartbeat)
	require.True(t, ok)
	require.Equal(t, int64(456), hb.TS)
}

func TestDecodeUserPassesThroughUnknownType(t *testing.T) {
	raw := []byte(`{"type":"hello","msg":"hi"}`)
	msg, err := Decode(raw)
	require.NoError(t, err)

	user, ok := msg.(*User)
	require.True(t, ok)
	require.Equal(t, "hello", user.Type)
	require.JSONEq(t, string(raw), string(user.Payload))
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
}
