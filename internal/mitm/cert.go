package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	certCacheSize = 1024
	certCacheTTL  = 12 * time.Hour
	leafValidity  = 24 * time.Hour
)

// CertManager issues leaf certificates signed by the CA, one per host,
// cached for certCacheTTL. Concurrent requests for the same host share a
// single issuance.
type CertManager struct {
	ca    *CA
	cache *expirable.LRU[string, *tls.Certificate]
	group singleflight.Group
}

func NewCertManager(ca *CA) *CertManager {
	return &CertManager{
		ca:    ca,
		cache: expirable.NewLRU[string, *tls.Certificate](certCacheSize, nil, certCacheTTL),
	}
}

func (cm *CertManager) CA() *CA {
	return cm.ca
}

// GetCertificate satisfies tls.Config.GetCertificate using the SNI name.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cm.GetCertificateFunc("localhost")(hello)
}

// GetCertificateFunc falls back to fallbackHost, usually the CONNECT
// target, when the client sends no SNI (IP literals never carry one).
func (cm *CertManager) GetCertificateFunc(fallbackHost string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		host := hello.ServerName
		if host == "" {
			host = fallbackHost
		}
		return cm.GetCertificateForHost(host)
	}
}

func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if cert, ok := cm.cache.Get(host); ok {
		return cert, nil
	}
	v, err, _ := cm.group.Do(host, func() (any, error) {
		if cert, ok := cm.cache.Get(host); ok {
			return cert, nil
		}
		cert, err := cm.issue(host)
		if err != nil {
			return nil, err
		}
		cm.cache.Add(host, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// Len is the number of cached leaf certificates.
func (cm *CertManager) Len() int {
	return cm.cache.Len()
}

func (cm *CertManager) issue(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"flowstub MitM"},
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(certCacheTTL + leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, cm.ca.Certificate, &key.PublicKey, cm.ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("issue certificate for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, cm.ca.Certificate.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
