package harcap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CertManager signs per-host leaf certificates with a local CA so that
// CONNECT tunnels can be decrypted.
type CertManager struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	// Organization is written into leaf certificate subjects.
	Organization string

	// LeafValidity is how long minted leaf certificates are valid.
	LeafValidity time.Duration

	// Metrics records cache hits, misses and size (optional).
	Metrics *Metrics

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// NewCertManager creates a CertManager from existing CA certificate and key files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// LoadOrCreateCA loads the CA at certPath/keyPath, generating and writing
// a new one first when neither file exists.
func LoadOrCreateCA(certPath, keyPath, org string, validYears int) (*CertManager, error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if errors.Is(certErr, fs.ErrNotExist) && errors.Is(keyErr, fs.ErrNotExist) {
		certPEM, keyPEM, err := GenerateCA(org, validYears)
		if err != nil {
			return nil, err
		}
		for _, f := range []struct {
			path string
			data []byte
			mode os.FileMode
		}{
			{certPath, certPEM, 0o644},
			{keyPath, keyPEM, 0o600},
		} {
			if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
				return nil, fmt.Errorf("create CA dir: %w", err)
			}
			if err := os.WriteFile(f.path, f.data, f.mode); err != nil {
				return nil, fmt.Errorf("write %s: %w", f.path, err)
			}
		}
	}

	cm, err := NewCertManager(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	cm.Organization = org
	return cm, nil
}

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA cert and key.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
	}

	return &CertManager{
		caCert:       caCert,
		caKey:        caKey,
		Organization: "harcap",
		LeafValidity: 365 * 24 * time.Hour,
		cache:        make(map[string]*tls.Certificate),
	}, nil
}

// CACertificate returns the CA certificate clients must trust.
func (cm *CertManager) CACertificate() *x509.Certificate {
	return cm.caCert
}

// GetCertificateForHost returns a TLS certificate for the given hostname.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	cm.mu.RLock()
	cert, ok := cm.cache[host]
	cm.mu.RUnlock()
	if ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if cert, ok := cm.cache[host]; ok {
		return cert, nil
	}

	cert, err := cm.generateCert(host)
	if err != nil {
		return nil, err
	}

	cm.cache[host] = cert
	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
		cm.Metrics.SetCertCacheSize(len(cm.cache))
	}
	return cert, nil
}

// CacheSize returns the number of cached leaf certificates.
func (cm *CertManager) CacheSize() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cache)
}

func (cm *CertManager) generateCert(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	validity := cm.LeafValidity
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}
	notAfter := time.Now().Add(validity)
	if notAfter.After(cm.caCert.NotAfter) {
		notAfter = cm.caCert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{cm.Organization},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, cm.caCert.Raw},
		PrivateKey:  privKey,
	}, nil
}

// GenerateCA generates a new CA certificate and private key.
// Returns PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Capture CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}
