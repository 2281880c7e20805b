// Package certauthority implements the on-disk root CA and per-host leaf
// certificate cache used by the MITM proxy (C4) to fake-TLS to the client.
// Grounded on original_source/stream/proxy_server.py's use of a
// CertificateManager.get_domain_cert call; the generation itself has no
// richer third-party analogue in the example pack than stdlib
// crypto/x509/crypto/tls, which is used here deliberately (see DESIGN.md).
package certauthority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxCachedLeaves bounds the in-memory tls.Certificate cache per spec §5
// Resource policy ("caches at most 50 TLS contexts"). The cache is cleared
// wholesale on overflow rather than evicted entry-by-entry, matching the
// spec's explicit "LRU-ish: clear on overflow" wording.
const maxCachedLeaves = 50

// Authority owns a root CA key pair and mints/caches leaf certificates for
// hosts the MITM proxy intercepts.
type Authority struct {
	dir string

	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey

	mu     sync.Mutex
	leaves map[string]*tls.Certificate
}

// Load reads (or creates, on first run) the root CA under dir and returns a
// ready Authority. dir gets "root.key", "root.crt" and a "leaf/" subdir.
func Load(dir string) (*Authority, error) {
	if err := os.MkdirAll(filepath.Join(dir, "leaf"), 0o755); err != nil {
		return nil, fmt.Errorf("certauthority: create dir: %w", err)
	}

	a := &Authority{dir: dir, leaves: make(map[string]*tls.Certificate)}

	rootCertPath := filepath.Join(dir, "root.crt")
	rootKeyPath := filepath.Join(dir, "root.key")

	if certBytes, err := os.ReadFile(rootCertPath); err == nil {
		keyBytes, errKey := os.ReadFile(rootKeyPath)
		if errKey != nil {
			return nil, fmt.Errorf("certauthority: read root key: %w", errKey)
		}
		cert, key, errParse := parseRoot(certBytes, keyBytes)
		if errParse != nil {
			return nil, errParse
		}
		a.rootCert, a.rootKey = cert, key
		return a, nil
	}

	cert, key, certDER, keyDER, err := generateRoot()
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(rootCertPath, pemEncode("CERTIFICATE", certDER), 0o644); err != nil {
		return nil, fmt.Errorf("certauthority: write root cert: %w", err)
	}
	if err = os.WriteFile(rootKeyPath, pemEncode("EC PRIVATE KEY", keyDER), 0o600); err != nil {
		return nil, fmt.Errorf("certauthority: write root key: %w", err)
	}
	a.rootCert, a.rootKey = cert, key
	return a, nil
}

// RootCertPEM returns the PEM-encoded root certificate, for operators who
// need to install it as a trusted root on the machine running the browser.
func (a *Authority) RootCertPEM() ([]byte, error) {
	return os.ReadFile(filepath.Join(a.dir, "root.crt"))
}

// LeafFor returns a tls.Certificate for host, generating and caching one on
// disk and in memory if it doesn't already exist.
func (a *Authority) LeafFor(host string) (*tls.Certificate, error) {
	a.mu.Lock()
	if cert, ok := a.leaves[host]; ok {
		a.mu.Unlock()
		return cert, nil
	}
	a.mu.Unlock()

	leafCertPath := filepath.Join(a.dir, "leaf", host+".crt")
	leafKeyPath := filepath.Join(a.dir, "leaf", host+".key")

	if certBytes, err := os.ReadFile(leafCertPath); err == nil {
		if keyBytes, errKey := os.ReadFile(leafKeyPath); errKey == nil {
			if cert, errPair := tls.X509KeyPair(certBytes, keyBytes); errPair == nil {
				a.cache(host, &cert)
				return &cert, nil
			}
		}
	}

	certDER, keyDER, err := a.signLeaf(host)
	if err != nil {
		return nil, err
	}
	certPEM := pemEncode("CERTIFICATE", certDER)
	keyPEM := pemEncode("EC PRIVATE KEY", keyDER)
	if err = os.WriteFile(leafCertPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("certauthority: write leaf cert: %w", err)
	}
	if err = os.WriteFile(leafKeyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("certauthority: write leaf key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	a.cache(host, &cert)
	return &cert, nil
}

func (a *Authority) cache(host string, cert *tls.Certificate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.leaves) >= maxCachedLeaves {
		a.leaves = make(map[string]*tls.Certificate)
	}
	a.leaves[host] = cert
}

func (a *Authority) signLeaf(host string) (certDER, keyDER []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}

	certDER, err = x509.CreateCertificate(rand.Reader, tmpl, a.rootCert, &key.PublicKey, a.rootKey)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err = x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	return certDER, keyDER, nil
}

func generateRoot() (cert *x509.Certificate, key *ecdsa.PrivateKey, certDER, keyDER []byte, err error) {
	key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "studiobridge local MITM CA", Organization: []string{"studiobridge"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cert, err = x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	keyDER, err = x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cert, key, certDER, keyDER, nil
}

func parseRoot(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, _ := pemDecode(certPEM)
	cert, err := x509.ParseCertificate(certBlock)
	if err != nil {
		return nil, nil, fmt.Errorf("certauthority: parse root cert: %w", err)
	}
	keyBlock, _ := pemDecode(keyPEM)
	key, err := x509.ParseECPrivateKey(keyBlock)
	if err != nil {
		return nil, nil, fmt.Errorf("certauthority: parse root key: %w", err)
	}
	return cert, key, nil
}
