package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
)

func TestHMACSignerSign(t *testing.T) {
	t.Parallel()

	s, err := NewHMACSigner("key", "secret")
	require.NoError(t, err)
	require.Equal(t, SchemeHMAC, s.Scheme())
	require.Equal(t, "key", s.APIKey())

	sig, err := s.Sign("symbol=BTCUSDT&side=BUY")
	require.NoError(t, err)
	require.Len(t, sig, 64) // hex-encoded SHA-256 digest
	_, err = hex.DecodeString(sig)
	require.NoError(t, err)

	sig2, err := s.Sign("symbol=BTCUSDT&side=BUY")
	require.NoError(t, err)
	require.Equal(t, sig, sig2, "HMAC signing must be deterministic for the same message")

	sig3, err := s.Sign("symbol=ETHUSDT&side=SELL")
	require.NoError(t, err)
	require.NotEqual(t, sig, sig3)
}

func TestNewHMACSignerRequiresCredentials(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		apiKey    string
		apiSecret string
	}{
		"missing key":    {apiKey: "", apiSecret: "secret"},
		"missing secret": {apiKey: "key", apiSecret: ""},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NewHMACSigner(tc.apiKey, tc.apiSecret)
			require.Error(t, err)
		})
	}
}

func generateED25519PEM(t *testing.T) (ed25519.PublicKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return pub, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestED25519SignerSignAndVerify(t *testing.T) {
	t.Parallel()

	pub, keyPEM := generateED25519PEM(t)
	s, err := NewED25519Signer("key", keyPEM, "")
	require.NoError(t, err)
	require.Equal(t, SchemeED25519, s.Scheme())

	message := "timestamp=1700000000000"
	sig, err := s.Sign(message)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, []byte(message), decoded))
}

func TestNewED25519SignerRejectsBadPEM(t *testing.T) {
	t.Parallel()

	_, err := NewED25519Signer("key", []byte("not a pem"), "")
	require.Error(t, err)
}

func TestNewED25519SignerRejectsWrongKeyType(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	_, err = NewED25519Signer("key", keyPEM, "")
	require.Error(t, err)
}

func generateRSAPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return priv, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestRSASignerSignAndVerify(t *testing.T) {
	t.Parallel()

	priv, keyPEM := generateRSAPEM(t)
	s, err := NewRSASigner("key", keyPEM, "")
	require.NoError(t, err)
	require.Equal(t, SchemeRSA, s.Scheme())

	message := "timestamp=1700000000000"
	sig, err := s.Sign(message)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte(message))
	require.NoError(t, rsa.VerifyPKCS1v15(&priv.PublicKey, crypto.SHA256, digest[:], decoded))
}

func TestNewRSASignerRejectsBadPEM(t *testing.T) {
	t.Parallel()

	_, err := NewRSASigner("key", []byte("not a pem"), "")
	require.Error(t, err)
}

func TestNewRSASignerWithPassphraseSignAndVerify(t *testing.T) {
	t.Parallel()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	encrypted, err := pkcs8.MarshalPrivateKey(priv, []byte("correct horse battery staple"), nil)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: encrypted})

	s, err := NewRSASigner("key", keyPEM, "correct horse battery staple")
	require.NoError(t, err)

	message := "timestamp=1700000000000"
	sig, err := s.Sign(message)
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(message))
	require.NoError(t, rsa.VerifyPKCS1v15(&priv.PublicKey, crypto.SHA256, digest[:], decoded))
}

func TestNewRSASignerWrongPassphraseFails(t *testing.T) {
	t.Parallel()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	encrypted, err := pkcs8.MarshalPrivateKey(priv, []byte("correct horse battery staple"), nil)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: encrypted})

	_, err = NewRSASigner("key", keyPEM, "wrong passphrase")
	require.Error(t, err)
}

func TestSchemeString(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		scheme Scheme
		want   string
	}{
		"hmac":    {scheme: SchemeHMAC, want: "HMAC"},
		"ed25519": {scheme: SchemeED25519, want: "ED25519"},
		"rsa":     {scheme: SchemeRSA, want: "RSA"},
		"unknown": {scheme: Scheme(99), want: "unknown"},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.scheme.String())
		})
	}
}
