package webrtc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"strings"
	"time"
)

// DTLSFingerprint is a certificate digest advertised in SDP as
// "a=fingerprint:<algorithm> <value>".
type DTLSFingerprint struct {
	Algorithm string
	Value     string
}

// Certificate is a DTLS certificate used to secure a PeerConnection.
// Generated once per PeerConnection and never shared, per spec §5.
type Certificate struct {
	x509Cert   *x509.Certificate
	privateKey *ecdsa.PrivateKey
	expires    time.Time
}

// GenerateCertificate creates a new self-signed ECDSA P-256 certificate
// valid for one year, the same algorithm/validity the reference uses.
func GenerateCertificate() (*Certificate, error) {
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &UnknownError{Err: err}
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, &UnknownError{Err: err}
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "webrtc"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &sk.PublicKey, sk)
	if err != nil {
		return nil, &UnknownError{Err: err}
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &UnknownError{Err: err}
	}

	return &Certificate{x509Cert: cert, privateKey: sk, expires: template.NotAfter}, nil
}

// Expires returns the certificate's NotAfter time.
func (c *Certificate) Expires() time.Time { return c.expires }

// GetFingerprints returns the certificate's fingerprints. This module
// only ever computes sha-256, matching spec §4.1's requirement.
func (c *Certificate) GetFingerprints() ([]DTLSFingerprint, error) {
	sum := sha256.Sum256(c.x509Cert.Raw)
	hexPairs := make([]string, len(sum))
	for i, b := range sum {
		hexPairs[i] = hex.EncodeToString([]byte{b})
	}
	return []DTLSFingerprint{{
		Algorithm: "sha-256",
		Value:     strings.ToUpper(strings.Join(hexPairs, ":")),
	}}, nil
}
