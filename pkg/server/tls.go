package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

// loadOrGenerateTLSIdentity loads the server's TLS certificate and key,
// generating a self-signed ECDSA identity on first run, following the
// teacher's loadOrGenerateHostKey idiom (read-if-present, else
// generate-and-persist). The client pins the certificate's SPKI
// fingerprint on first connect rather than relying on a CA, so a
// self-signed identity is sufficient; its fingerprint is logged so an
// operator can hand it out of band.
func loadOrGenerateTLSIdentity(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		return cert, nil
	}
	if !os.IsNotExist(err) {
		return tls.Certificate{}, fmt.Errorf("server: load tls identity: %w", err)
	}

	errorLog.Printf("generating new TLS identity at %s / %s", certPath, keyPath)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: generate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "synac"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	derCert, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: create certificate: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: marshal key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", derCert, 0o644); err != nil {
		return tls.Certificate{}, err
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyBytes, 0o600); err != nil {
		return tls.Certificate{}, err
	}

	cert, err = tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: reload generated tls identity: %w", err)
	}
	errorLog.Printf("TLS certificate fingerprint (SPKI sha256): %s", SPKIFingerprint(cert))
	return cert, nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("server: write %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

// SPKIFingerprint returns the hex SHA-256 digest of the leaf
// certificate's subject public key info, for operators to hand out of
// band and for clients to pin on first connect (spec section 2.H/6:
// the pin is over the SPKI, not the whole certificate, so it survives
// a same-key cert re-issuance and matches what `openssl x509 -pubkey |
// openssl dgst -sha256` produces).
func SPKIFingerprint(cert tls.Certificate) string {
	if len(cert.Certificate) == 0 {
		return ""
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(leaf.RawSubjectPublicKeyInfo)
	return fmt.Sprintf("%x", sum)
}

// serverTLSConfig builds the tls.Config for the TCP listener: one
// identity, client certs not requested (authentication happens at the
// protocol layer via Login, not mTLS).
func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
