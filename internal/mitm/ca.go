package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

const caCommonName = "flowstub Generated Root CA"

var ErrNoCA = errors.New("no CA PKCS#12 provided")

// CA is the root that signs every intercepted leaf certificate.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// LoadCA decodes a base64 PKCS#12 bundle.
func LoadCA(p12Base64, passphrase string) (*CA, error) {
	if p12Base64 == "" {
		return nil, ErrNoCA
	}
	return DecodeP12(p12Base64, passphrase)
}

// LoadOrGenerateCA decodes the configured bundle, or creates a throwaway CA
// when none is configured. generated reports the latter.
func LoadOrGenerateCA(p12Base64, passphrase string) (ca *CA, generated bool, err error) {
	ca, err = LoadCA(p12Base64, passphrase)
	if err == nil {
		return ca, false, nil
	}
	if !errors.Is(err, ErrNoCA) {
		return nil, false, err
	}
	ca, err = GenerateCA()
	return ca, err == nil, err
}

func GenerateCA() (*CA, error) {
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
			CommonName:   caCommonName,
			Organization: []string{"flowstub"},
		},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}

func DecodeP12(p12Base64, passphrase string) (*CA, error) {
	data, err := base64.StdEncoding.DecodeString(p12Base64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode PKCS#12: %w", err)
	}
	key, cert, err := pkcs12.Decode(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("pkcs12.Decode: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("PKCS#12 certificate %q is not a CA", cert.Subject.CommonName)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("PKCS#12 private key %T cannot sign", key)
	}
	return &CA{Certificate: cert, PrivateKey: signer}, nil
}

// EncodeP12 returns the CA as base64 PKCS#12, the form accepted by LoadCA.
func (ca *CA) EncodeP12(passphrase string) (string, error) {
	data, err := pkcs12.Modern.Encode(ca.PrivateKey, ca.Certificate, nil, passphrase)
	if err != nil {
		return "", fmt.Errorf("pkcs12.Encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Certificate.Raw})
}

// CertPool holds just this CA, for clients that should trust it.
func (ca *CA) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Certificate)
	return pool
}
