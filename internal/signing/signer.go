// Package signing provides polymorphic request signers for Binance's three
// supported authentication schemes: HMAC-SHA256, ED25519, and RSA-SHA256.
package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/youmark/pkcs8"
)

// Scheme identifies the signing algorithm a Signer implements.
type Scheme int

const (
	// SchemeHMAC signs with HMAC-SHA256 over the API secret.
	SchemeHMAC Scheme = iota
	// SchemeED25519 signs with an ED25519 private key.
	SchemeED25519
	// SchemeRSA signs with RSA-SHA256 (PKCS#1 v1.5) over a private key.
	SchemeRSA
)

// String implements fmt.Stringer.
func (s Scheme) String() string {
	switch s {
	case SchemeHMAC:
		return "HMAC"
	case SchemeED25519:
		return "ED25519"
	case SchemeRSA:
		return "RSA"
	default:
		return "unknown"
	}
}

// Signer is the polymorphic contract every signing scheme implements.
// Message is the canonical query string (or raw payload, for the WebSocket
// API's logon request) to be signed; the returned string is ready to be
// attached as the "signature" parameter.
type Signer interface {
	Scheme() Scheme
	APIKey() string
	Sign(message string) (string, error)
}

// hmacSigner signs with HMAC-SHA256, generalized from Binance's original
// HMAC-only signing path.
type hmacSigner struct {
	apiKey    string
	apiSecret string
}

// NewHMACSigner creates a Signer using HMAC-SHA256.
func NewHMACSigner(apiKey, apiSecret string) (Signer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("signing: API key is required")
	}
	if apiSecret == "" {
		return nil, fmt.Errorf("signing: API secret is required")
	}
	return &hmacSigner{apiKey: apiKey, apiSecret: apiSecret}, nil
}

func (s *hmacSigner) Scheme() Scheme  { return SchemeHMAC }
func (s *hmacSigner) APIKey() string  { return s.apiKey }

func (s *hmacSigner) Sign(message string) (string, error) {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// ed25519Signer signs with a raw ED25519 private key loaded from a PKCS#8 PEM block.
type ed25519Signer struct {
	apiKey string
	key    ed25519.PrivateKey
}

// NewED25519Signer creates a Signer from a PKCS#8-encoded ED25519 private
// key PEM. Binance requires the raw-bytes signature to be base64-encoded.
// passphrase decrypts an "ENCRYPTED PRIVATE KEY" PEM block; pass "" for an
// unencrypted key.
func NewED25519Signer(apiKey string, privateKeyPEM []byte, passphrase string) (Signer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("signing: API key is required")
	}
	parsed, err := parsePKCS8Key(privateKeyPEM, passphrase)
	if err != nil {
		return nil, fmt.Errorf("signing: parse ED25519 key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing: PEM block does not contain an ED25519 private key")
	}
	return &ed25519Signer{apiKey: apiKey, key: key}, nil
}

func (s *ed25519Signer) Scheme() Scheme  { return SchemeED25519 }
func (s *ed25519Signer) APIKey() string  { return s.apiKey }

func (s *ed25519Signer) Sign(message string) (string, error) {
	sig := ed25519.Sign(s.key, []byte(message))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// rsaSigner signs with RSA-SHA256 (PKCS#1 v1.5), loaded from a PKCS#8 PEM block.
type rsaSigner struct {
	apiKey string
	key    *rsa.PrivateKey
}

// NewRSASigner creates a Signer from a PKCS#8-encoded RSA private key PEM.
// passphrase decrypts an "ENCRYPTED PRIVATE KEY" PEM block; pass "" for an
// unencrypted key.
func NewRSASigner(apiKey string, privateKeyPEM []byte, passphrase string) (Signer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("signing: API key is required")
	}
	parsed, err := parsePKCS8Key(privateKeyPEM, passphrase)
	if err != nil {
		return nil, fmt.Errorf("signing: parse RSA key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing: PEM block does not contain an RSA private key")
	}
	return &rsaSigner{apiKey: apiKey, key: key}, nil
}

// parsePKCS8Key decodes a PEM block and parses its PKCS#8 DER payload.
// An empty passphrase takes the stdlib path (x509.ParsePKCS8PrivateKey),
// which only understands plaintext PKCS#8; a non-empty passphrase decrypts
// an "ENCRYPTED PRIVATE KEY" block via youmark/pkcs8 first, since
// crypto/x509 has no equivalent of the old PEM-header encryption scheme
// for PKCS#8.
func parsePKCS8Key(keyPEM []byte, passphrase string) (any, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if passphrase == "" {
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	return pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
}

func (s *rsaSigner) Scheme() Scheme  { return SchemeRSA }
func (s *rsaSigner) APIKey() string  { return s.apiKey }

func (s *rsaSigner) Sign(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing: rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
