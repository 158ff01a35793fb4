package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerateCA(t *testing.T) {
	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	if !ca.Certificate.IsCA {
		t.Fatal("CA certificate IsCA should be true")
	}
	if ca.Certificate.Subject.CommonName != caCommonName {
		t.Fatalf("unexpected CA CN: %s", ca.Certificate.Subject.CommonName)
	}
}

func TestLoadOrGenerateCA(t *testing.T) {
	ca, generated, err := LoadOrGenerateCA("", "")
	if err != nil || !generated || ca == nil {
		t.Fatalf("expected a generated CA, got %v %v %v", ca, generated, err)
	}

	p12, err := ca.EncodeP12("secret")
	if err != nil {
		t.Fatalf("EncodeP12: %v", err)
	}
	loaded, generated, err := LoadOrGenerateCA(p12, "secret")
	if err != nil || generated {
		t.Fatalf("expected the configured CA, got generated=%v err=%v", generated, err)
	}
	if !loaded.Certificate.Equal(ca.Certificate) {
		t.Fatal("loaded CA differs from encoded one")
	}

	if _, _, err := LoadOrGenerateCA(p12, "wrong"); err == nil {
		t.Fatal("wrong passphrase must not silently generate a new CA")
	}
	if _, _, err := LoadOrGenerateCA("!!not base64!!", ""); err == nil {
		t.Fatal("expected base64 error")
	}
}

func TestCACertPEM(t *testing.T) {
	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	pemData := string(ca.CertPEM())
	if !strings.HasPrefix(pemData, "-----BEGIN CERTIFICATE-----") {
		t.Fatalf("unexpected PEM: %s", pemData)
	}
	if !x509.NewCertPool().AppendCertsFromPEM(ca.CertPEM()) {
		t.Fatal("PEM not parseable")
	}
}

func TestCertManagerGetCertificateForHost(t *testing.T) {
	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	cm := NewCertManager(ca)

	cert, err := cm.GetCertificateForHost("web.prod.cloud.netflix.com")
	if err != nil {
		t.Fatalf("GetCertificateForHost failed: %v", err)
	}
	if len(cert.Certificate) != 2 {
		t.Fatalf("expected leaf + CA chain, got %d", len(cert.Certificate))
	}
	if cert.Leaf.Subject.CommonName != "web.prod.cloud.netflix.com" {
		t.Fatalf("unexpected leaf CN: %s", cert.Leaf.Subject.CommonName)
	}
	if _, err := cert.Leaf.Verify(x509.VerifyOptions{
		DNSName:   "web.prod.cloud.netflix.com",
		Roots:     ca.CertPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Fatalf("leaf verification failed: %v", err)
	}

	again, err := cm.GetCertificateForHost("WEB.prod.cloud.netflix.com.")
	if err != nil {
		t.Fatalf("GetCertificateForHost (cached) failed: %v", err)
	}
	if again != cert {
		t.Fatal("expected the cached certificate")
	}
	if cm.Len() != 1 {
		t.Fatalf("expected 1 cached certificate, got %d", cm.Len())
	}
}

func TestCertManagerConcurrentIssue(t *testing.T) {
	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	cm := NewCertManager(ca)

	var wg sync.WaitGroup
	certs := make([]*tls.Certificate, 16)
	for i := range certs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			certs[i], _ = cm.GetCertificateForHost("example.com")
		}(i)
	}
	wg.Wait()
	for _, c := range certs {
		if c == nil || c != certs[0] {
			t.Fatal("concurrent callers must share one certificate")
		}
	}
}

func TestCertManagerIPAddress(t *testing.T) {
	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	cm := NewCertManager(ca)

	cert, err := cm.GetCertificateFunc("192.0.2.10")(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	if len(cert.Leaf.IPAddresses) != 1 || !cert.Leaf.IPAddresses[0].Equal(net.ParseIP("192.0.2.10")) {
		t.Fatalf("unexpected IP SANs: %v", cert.Leaf.IPAddresses)
	}
	if len(cert.Leaf.DNSNames) != 0 {
		t.Fatalf("IP leaf should carry no DNS names: %v", cert.Leaf.DNSNames)
	}
}

func TestMiddleManTerminate(t *testing.T) {
	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	filter, err := NewHostnameFilter("example.com")
	if err != nil {
		t.Fatalf("NewHostnameFilter: %v", err)
	}
	m := NewMiddleMan(NewCertManager(ca), filter)
	if !m.Intercepts("example.com", 443) || m.Intercepts("example.org", 443) {
		t.Fatal("Intercepts does not follow the filter")
	}

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		conn, err := m.Terminate(ctx, serverSide, bufio.NewReader(serverSide), "example.com")
		if err == nil {
			_, err = conn.Write([]byte("hello"))
			conn.Close()
		}
		done <- err
	}()

	client := tls.Client(clientSide, &tls.Config{ServerName: "example.com", RootCAs: ca.CertPool()})
	if err := client.HandshakeContext(ctx); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := client.Read(buf); err != nil || string(buf) != "hello" {
		t.Fatalf("read %q, %v", buf, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Terminate: %v", err)
	}
}
