// Package tlstest issues throwaway certificates for tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Identity is a self signed certificate and its key.
type Identity struct {
	Cert    *x509.Certificate
	CertPEM []byte
	KeyPEM  []byte
	TLS     tls.Certificate
}

// NewIdentity creates a self signed CA certificate valid for hosts.
func NewIdentity(t testing.TB, hosts ...string) Identity {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "hostclient test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              hosts,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	id := Identity{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}

	id.TLS, err = tls.X509KeyPair(id.CertPEM, id.KeyPEM)
	require.NoError(t, err)

	return id
}

// ServerConfig returns a server config presenting id.
func (id Identity) ServerConfig() *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{id.TLS}}
}

// WriteTrustStore writes the certificate to a PEM file under t.TempDir.
func (id Identity) WriteTrustStore(t testing.TB) string {
	t.Helper()
	return writeFile(t, "trust.pem", id.CertPEM)
}

// WriteKeyStore writes certificate and key to a PEM file under t.TempDir.
func (id Identity) WriteKeyStore(t testing.TB) string {
	t.Helper()
	return writeFile(t, "key.pem", append(append([]byte(nil), id.CertPEM...), id.KeyPEM...))
}

func writeFile(t testing.TB, name string, data []byte) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}
