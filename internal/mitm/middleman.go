package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// MiddleMan terminates client TLS for the hosts its filter allows.
type MiddleMan struct {
	certs  *CertManager
	filter *HostnameFilter
}

func NewMiddleMan(certs *CertManager, filter *HostnameFilter) *MiddleMan {
	return &MiddleMan{certs: certs, filter: filter}
}

func (m *MiddleMan) Intercepts(host string, port int) bool {
	return m != nil && m.certs != nil && m.filter.Allow(host, port)
}

// Terminate performs the server side of the handshake on conn. reader holds
// bytes already peeked from conn. The certificate is issued for the SNI name,
// or for host when the client sends none.
func (m *MiddleMan) Terminate(ctx context.Context, conn net.Conn, reader *bufio.Reader, host string) (*tls.Conn, error) {
	tlsConn := tls.Server(NewBufferedConn(conn, reader), &tls.Config{
		GetCertificate: m.certs.GetCertificateFunc(host),
		NextProtos:     []string{"http/1.1"},
		MinVersion:     tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("client TLS handshake for %s: %w", host, err)
	}
	return tlsConn, nil
}

// bufferedConn reads through a bufio.Reader so peeked bytes are not lost.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func NewBufferedConn(conn net.Conn, reader *bufio.Reader) net.Conn {
	if reader == nil {
		return conn
	}
	return &bufferedConn{Conn: conn, reader: reader}
}

func (bc *bufferedConn) Read(b []byte) (int, error) {
	return bc.reader.Read(b)
}

func (bc *bufferedConn) CloseWrite() error {
	if cw, ok := bc.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return bc.Conn.Close()
}
