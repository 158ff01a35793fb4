package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/config"
	"github.com/flowstub/flowstub/internal/mitm"
	"github.com/flowstub/flowstub/internal/server/utils"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 30 * time.Second
)

// Server is an explicit HTTP/1.1 forward proxy. Plain requests and
// requests decrypted from intercepted CONNECT tunnels are passed to the
// hook; everything else is relayed untouched.
type Server struct {
	cfg      *config.Config
	hook     common.Hook
	mitm     *mitm.MiddleMan
	dialer   *net.Dialer
	upstream *http.Transport
	proxy    *httputil.ReverseProxy

	listener net.Listener
	server   *http.Server

	tunnels      *connListener
	tunnelServer *http.Server

	relaysMu  sync.Mutex
	relays    map[net.Conn]struct{}
	relaysWG  sync.WaitGroup
	closeOnce sync.Once
}

// New wires the proxy. mm may be nil, in which case every CONNECT tunnel
// is relayed blindly.
func New(cfg *config.Config, hook common.Hook, mm *mitm.MiddleMan) *Server {
	s := &Server{
		cfg:    cfg,
		hook:   hook,
		mitm:   mm,
		dialer: utils.Dialer(cfg.UpstreamMark),
		relays: make(map[net.Conn]struct{}),
	}

	s.upstream = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           s.dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.MitM.InsecureSkipVerify},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          256,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
	}

	errorLog := slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	s.proxy = &httputil.ReverseProxy{
		// Proxy requests already carry the absolute upstream URL.
		Rewrite:      func(*httputil.ProxyRequest) {},
		Transport:    &flowTransport{server: s},
		ErrorHandler: s.upstreamError,
		ErrorLog:     errorLog,
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          errorLog,
	}

	s.tunnels = newConnListener()
	s.tunnelServer = &http.Server{
		Handler:           http.HandlerFunc(s.serveTunnel),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          errorLog,
		ConnContext:       tunnelContext,
		TLSNextProto:      make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
	}
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("net.Listen: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Proxy server stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := s.tunnelServer.Serve(s.tunnels); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Tunnel server stopped", slog.Any("error", err))
		}
	}()

	slog.Info("HTTP proxy listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("proxy shutdown: %w", err))
		}
		if err := s.tunnelServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tunnel shutdown: %w", err))
		}

		s.relaysMu.Lock()
		for c := range s.relays {
			_ = c.Close()
		}
		s.relaysMu.Unlock()
		s.relaysWG.Wait()

		s.upstream.CloseIdleConnections()
		slog.Info("HTTP proxy closed")
	})
	return errors.Join(errs...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		s.handleConnect(w, req)
		return
	}
	if !req.URL.IsAbs() || req.URL.Host == "" {
		http.Error(w, "flowstub: not a proxy request", http.StatusBadRequest)
		return
	}
	s.proxy.ServeHTTP(w, req)
}

func (s *Server) upstreamError(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	slog.Warn("Upstream request failed",
		slog.String("src_addr", req.RemoteAddr),
		slog.String("url", req.URL.String()),
		slog.Any("error", err),
	)
	w.WriteHeader(http.StatusBadGateway)
}
