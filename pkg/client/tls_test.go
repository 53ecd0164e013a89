package client

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedCert builds a throwaway self-signed ECDSA certificate for
// tests, mirroring the server's loadOrGenerateTLSIdentity shape.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}
}

func TestFingerprintCertHashesSPKI(t *testing.T) {
	cert := selfSignedCert(t)
	fp := fingerprintCert(cert.Leaf)
	assert.Len(t, fp, 64) // hex sha256
}

func TestPinVerifierTrustsOnFirstUse(t *testing.T) {
	cert := selfSignedCert(t)

	var accepted string
	cfg := pinVerifier("", func(fp string) { accepted = fp })

	err := cfg.VerifyPeerCertificate([][]byte{cert.Certificate[0]}, nil)
	require.NoError(t, err)
	assert.Equal(t, fingerprintCert(cert.Leaf), accepted)
}

func TestPinVerifierAcceptsMatchingPin(t *testing.T) {
	cert := selfSignedCert(t)
	fp := fingerprintCert(cert.Leaf)

	cfg := pinVerifier(fp, func(string) { t.Fatal("accept should not be called when already pinned") })
	err := cfg.VerifyPeerCertificate([][]byte{cert.Certificate[0]}, nil)
	assert.NoError(t, err)
}

func TestPinVerifierRejectsMismatchedPin(t *testing.T) {
	cert := selfSignedCert(t)

	cfg := pinVerifier("0000000000000000000000000000000000000000000000000000000000000000", func(string) {
		t.Fatal("accept should not be called on mismatch")
	})
	err := cfg.VerifyPeerCertificate([][]byte{cert.Certificate[0]}, nil)
	assert.ErrorIs(t, err, errPinMismatch)
}

func TestPinVerifierRejectsEmptyCertList(t *testing.T) {
	cfg := pinVerifier("abc", func(string) {})
	err := cfg.VerifyPeerCertificate(nil, nil)
	assert.Error(t, err)
}
