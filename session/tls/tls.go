// Package tls secures a [transport.Conn] with crypto/tls.
//
// Key and trust material is read from PEM files: the key store holds the
// client certificate chain followed by its private key, the trust store
// holds the CA certificates the server chain is verified against.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// Material describes where key and trust material come from.
type Material struct {
	// ServerName is sent as SNI and verified against the server certificate.
	ServerName string

	KeyStorePath     string
	KeyStorePassword string // decrypts an encrypted PEM private key.

	TrustStorePath string
	// TrustStorePassword is accepted for symmetry with the key store.
	// PEM trust bundles carry no secret, so it is unused.
	TrustStorePassword string

	// TrustAll disables certificate chain and host name verification.
	TrustAll bool

	// VerifyPeer is called with the parsed server chain, leaf first, after
	// the standard verification (if any) succeeded.
	VerifyPeer func(chain []*x509.Certificate) error

	// RootCAs is added to the trust store. nil with an empty TrustStorePath
	// means the system pool.
	RootCAs *x509.CertPool
}

var (
	ErrNoCertificate = errors.New("no certificate found in key store")
	ErrNoPrivateKey  = errors.New("no private key found in key store")
	ErrEmptyTrust    = errors.New("no certificate found in trust store")
)

// NewConfig builds a client side [tls.Config] from m.
func NewConfig(m Material) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: m.ServerName,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		RootCAs:    m.RootCAs,
	}

	if m.KeyStorePath != "" {
		cert, err := loadKeyStore(m.KeyStorePath, m.KeyStorePassword)
		if err != nil {
			return nil, errors.Wrapf(err, "loading key store %q", m.KeyStorePath)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if m.TrustStorePath != "" {
		pool, err := loadTrustStore(m.TrustStorePath, m.RootCAs)
		if err != nil {
			return nil, errors.Wrapf(err, "loading trust store %q", m.TrustStorePath)
		}
		cfg.RootCAs = pool
	}

	if m.TrustAll {
		cfg.InsecureSkipVerify = true
	}

	if m.VerifyPeer != nil {
		verify := m.VerifyPeer
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			chain := make([]*x509.Certificate, 0, len(rawCerts))
			for _, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					return errors.Wrap(err, "parsing peer certificate")
				}
				chain = append(chain, cert)
			}
			return verify(chain)
		}
	}

	return cfg, nil
}

func loadKeyStore(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "reading file")
	}

	var (
		certPEM []byte
		keyPEM  []byte
	)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		switch {
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case keyPEM == nil && isKeyBlock(block.Type):
			der, err := decryptKey(block, password)
			if err != nil {
				return tls.Certificate{}, err
			}
			keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
		}
	}

	if certPEM == nil {
		return tls.Certificate{}, ErrNoCertificate
	}
	if keyPEM == nil {
		return tls.Certificate{}, ErrNoPrivateKey
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "pairing certificate and key")
	}
	return cert, nil
}

func isKeyBlock(typ string) bool {
	switch typ {
	case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
		return true
	}
	return false
}

// decryptKey undoes RFC 1423 PEM encryption, the form keys exported
// from password protected stores take.
func decryptKey(block *pem.Block, password string) ([]byte, error) {
	//nolint:staticcheck
	if !x509.IsEncryptedPEMBlock(block) {
		return block.Bytes, nil
	}
	if password == "" {
		return nil, errors.New("private key is encrypted but no password was given")
	}

	//nolint:staticcheck
	der, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return nil, errors.Wrap(err, "decrypting private key")
	}
	return der, nil
}

func loadTrustStore(path string, base *x509.CertPool) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading file")
	}

	pool := x509.NewCertPool()
	if base != nil {
		pool = base.Clone()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, ErrEmptyTrust
	}
	return pool, nil
}
