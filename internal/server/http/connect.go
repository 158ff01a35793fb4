package http

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/flowstub/flowstub/internal/mitm"
	"github.com/flowstub/flowstub/internal/server/utils"
	"github.com/flowstub/flowstub/internal/sniff"
)

const (
	peekTimeout      = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

// tunnel describes the CONNECT a decrypted connection came from.
type tunnel struct {
	target string // CONNECT authority, host:port
	scheme string
}

type tunnelConn struct {
	net.Conn
	tunnel *tunnel
}

type tunnelKey struct{}

func tunnelContext(ctx context.Context, c net.Conn) context.Context {
	if tc, ok := c.(*tunnelConn); ok {
		return context.WithValue(ctx, tunnelKey{}, tc.tunnel)
	}
	return ctx
}

func (s *Server) handleConnect(w http.ResponseWriter, req *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hijacker.Hijack()
	if err != nil {
		slog.Warn("Hijack failed", slog.String("src_addr", req.RemoteAddr), slog.Any("error", err))
		return
	}
	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		slog.Debug("Write CONNECT response", slog.String("src_addr", req.RemoteAddr), slog.Any("error", err))
		_ = conn.Close()
		return
	}
	// Bytes the client sent after the CONNECT line sit in brw.Reader.
	s.ServeTunnel(req.Context(), conn, brw.Reader, req.Host)
}

// ServeTunnel takes over an established tunnel to target. buffered holds
// bytes already read from conn and may be nil. Intercepted tunnels are
// decrypted and served through the hook; the rest are relayed.
func (s *Server) ServeTunnel(ctx context.Context, conn net.Conn, buffered *bufio.Reader, target string) {
	host, port := splitTarget(target)
	src := conn.RemoteAddr().String()

	reader := bufio.NewReaderSize(mitm.NewBufferedConn(conn, buffered), sniff.BufferSize)
	client := mitm.NewBufferedConn(conn, reader)

	intercept := s.mitm.Intercepts(host, port)
	// IP targets are decided by the SNI the client presents.
	if !intercept && (s.mitm == nil || net.ParseIP(host) == nil) {
		s.relay(ctx, client, target)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(peekTimeout))
	proto, err := sniff.Detect(reader)
	if proto == sniff.TLS && !intercept {
		if sni, serr := sniff.ServerName(reader); serr == nil && s.mitm.Intercepts(sni, port) {
			intercept = true
			host = sni
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		slog.Debug("Tunnel sniff failed", slog.String("dest_addr", target), slog.Any("error", err))
	}

	if !intercept || proto == sniff.TCP {
		s.relay(ctx, client, target)
		return
	}

	t := &tunnel{target: net.JoinHostPort(host, strconv.Itoa(port)), scheme: "http"}
	var inner net.Conn = client
	if proto == sniff.TLS {
		hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		tlsConn, err := s.mitm.Terminate(hctx, conn, reader, host)
		cancel()
		if err != nil {
			slog.Debug("MitM handshake failed", slog.String("src_addr", src), slog.String("host", host), slog.Any("error", err))
			_ = conn.Close()
			return
		}
		t.scheme = "https"
		inner = tlsConn
	}

	slog.Debug("Intercepting tunnel",
		slog.String("src_addr", src),
		slog.String("dest_addr", t.target),
		slog.String("protocol", string(proto)),
	)
	if err := s.tunnels.Push(&tunnelConn{Conn: inner, tunnel: t}); err != nil {
		_ = inner.Close()
	}
}

// relay pipes a tunnel to its target without inspecting it.
func (s *Server) relay(ctx context.Context, client net.Conn, target string) {
	upstream, err := utils.Connect(ctx, s.dialer, target)
	if err != nil {
		slog.Debug("Tunnel dial failed", slog.String("dest_addr", target), slog.Any("error", err))
		_ = client.Close()
		return
	}

	s.relaysMu.Lock()
	s.relays[client] = struct{}{}
	s.relays[upstream] = struct{}{}
	s.relaysWG.Add(1)
	s.relaysMu.Unlock()

	up, down := utils.Relay(client, upstream)

	s.relaysMu.Lock()
	delete(s.relays, client)
	delete(s.relays, upstream)
	s.relaysMu.Unlock()
	s.relaysWG.Done()

	slog.Debug("Tunnel closed", slog.String("dest_addr", target), slog.Int64("sent", up), slog.Int64("received", down))
}

// serveTunnel completes the request URL of a decrypted request and proxies it.
func (s *Server) serveTunnel(w http.ResponseWriter, req *http.Request) {
	t, _ := req.Context().Value(tunnelKey{}).(*tunnel)
	if t == nil {
		http.Error(w, "flowstub: unknown tunnel", http.StatusBadRequest)
		return
	}
	req.URL.Scheme = t.scheme
	req.URL.Host = requestAuthority(req.Host, t)
	s.proxy.ServeHTTP(w, req)
}

// requestAuthority prefers the Host header, borrowing the tunnel's port
// when the header omits a non-default one.
func requestAuthority(hostHeader string, t *tunnel) string {
	if hostHeader == "" {
		return t.target
	}
	if _, _, err := net.SplitHostPort(hostHeader); err == nil {
		return hostHeader
	}
	_, port := splitTarget(t.target)
	if (t.scheme == "https" && port == 443) || (t.scheme == "http" && port == 80) {
		return hostHeader
	}
	return net.JoinHostPort(hostHeader, strconv.Itoa(port))
}

func splitTarget(target string) (string, int) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 443
	}
	return host, port
}
