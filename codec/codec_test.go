package codec

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := New(key)
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := testCipher(t)

	cases := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("-----BEGIN CERTIFICATE-----\nMIIB...fakepem\n-----END CERTIFICATE-----\n"),
		make([]byte, 4096),
	}

	for _, p := range cases {
		nonce, ct, err := c.Encrypt(p)
		require.NoError(t, err)
		require.Len(t, nonce, nonceSize)

		got, err := c.Decrypt(nonce, ct)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestNonceIsRandomPerCall(t *testing.T) {
	c := testCipher(t)

	n1, _, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)
	n2, _, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)

	require.NotEqual(t, n1, n2)
}

func TestBitFlipFailsIntegrity(t *testing.T) {
	c := testCipher(t)

	nonce, ct, err := c.Encrypt([]byte("the quick brown fox"))
	require.NoError(t, err)

	flipped := append([]byte(nil), ct...)
	flipped[0] ^= 0x01

	_, err = c.Decrypt(nonce, flipped)
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.Integrity))
}

func TestWrongKeyFailsIntegrity(t *testing.T) {
	c1 := testCipher(t)
	c2 := testCipher(t)

	nonce, ct, err := c1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = c2.Decrypt(nonce, ct)
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.Integrity))
}
