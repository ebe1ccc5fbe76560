package solwallet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSignVerify(t *testing.T) {
	var scheme Scheme
	w, err := scheme.Generate()
	require.NoError(t, err)
	require.NotEmpty(t, w.Address())

	msg := []byte("1700000000000")
	sig, err := w.Sign(msg)
	require.NoError(t, err)

	require.True(t, scheme.Verify(msg, sig, w.Address()))
}

func TestVerifyRejectsWrongAddress(t *testing.T) {
	var scheme Scheme
	w1, err := scheme.Generate()
	require.NoError(t, err)
	w2, err := scheme.Generate()
	require.NoError(t, err)

	msg := []byte("1700000000000")
	sig, err := w1.Sign(msg)
	require.NoError(t, err)

	require.False(t, scheme.Verify(msg, sig, w2.Address()))
}

func TestRestoreFromPrivateKey(t *testing.T) {
	var scheme Scheme
	w, err := scheme.Generate()
	require.NoError(t, err)

	restored, err := scheme.RestoreFromPrivateKey(w.PrivateKeyHex())
	require.NoError(t, err)
	require.Equal(t, w.Address(), restored.Address())
}
