// Package certtest issues throwaway signing certificates for tests.
package certtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/smallbiznis/esocialgw/internal/secretstore"
	"software.sslmate.com/src/go-pkcs12"
)

// Issue creates a self-signed RSA certificate valid between notBefore and
// notAfter, packed as a PKCS#12 credential protected by password.
func Issue(t testing.TB, password string, notBefore, notAfter time.Time) (secretstore.Credential, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "ACME LTDA:11222333000181",
			Organization: []string{"ACME LTDA"},
			Country:      []string{"BR"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	bundle, err := pkcs12.Modern.Encode(key, cert, nil, password)
	if err != nil {
		t.Fatalf("encode pkcs12: %v", err)
	}
	return secretstore.Credential{PKCS12: bundle, Password: password}, cert
}

// IssueValid issues a certificate valid for a year around now.
func IssueValid(t testing.TB, password string) (secretstore.Credential, *x509.Certificate) {
	now := time.Now()
	return Issue(t, password, now.Add(-time.Hour), now.Add(365*24*time.Hour))
}
