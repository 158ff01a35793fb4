package socks5

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// SOCKS5 constants
const (
	socksVer5    = 0x05
	socksNoAuth  = 0x00
	socksNoValid = 0xff
	socksCmdConn = 0x01

	socksATYPv4    = 0x01
	socksATYDomain = 0x03
	socksATYPv6    = 0x04

	repSucceeded       = 0x00
	repGeneralFailure  = 0x01
	repCmdNotSupported = 0x07
	repAddrNotSupport  = 0x08
)

const handshakeTimeout = 10 * time.Second

var (
	ErrInvalidSocksVersion = errors.New("invalid socks version")
	ErrInvalidSocksCmd     = errors.New("invalid socks cmd")
	ErrInvalidAddrType     = errors.New("invalid socks address type")
	ErrNoAcceptableMethod  = errors.New("no acceptable socks auth method")
)

// TunnelHandler takes over a client connection once the SOCKS5 CONNECT has
// been answered.
type TunnelHandler interface {
	ServeTunnel(ctx context.Context, conn net.Conn, buffered *bufio.Reader, target string)
}

// Server is a minimal no-auth SOCKS5 front end. Only CONNECT is supported.
type Server struct {
	addr     string
	handler  TunnelHandler
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(addr string, handler TunnelHandler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening for SOCKS5 clients.
func (s *Server) Start() (err error) {
	if s.listener, err = net.Listen("tcp", s.addr); err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	slog.Info("SOCKS5 proxy listening", slog.String("addr", s.listener.Addr().String()))

	s.wg.Add(1)
	go s.serve()
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		client, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Accept failed", slog.Any("error", err))
			continue
		}
		slog.Debug("Accept connection", slog.String("src_addr", client.RemoteAddr().String()))
		go s.handleClient(client)
	}
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Close stops accepting. Tunnels already handed over are owned by the
// TunnelHandler.
func (s *Server) Close() error {
	s.cancel()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// handleClient performs SOCKS5 negotiation and hands the tunnel over.
func (s *Server) handleClient(client net.Conn) {
	src := client.RemoteAddr().String()
	reader := bufio.NewReader(client)

	_ = client.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := negotiate(reader, client); err != nil {
		slog.Debug("SOCKS5 negotiation failed", slog.String("src_addr", src), slog.Any("error", err))
		_ = client.Close()
		return
	}

	target, err := readRequest(reader)
	if err != nil {
		slog.Debug("SOCKS5 request failed", slog.String("src_addr", src), slog.Any("error", err))
		_ = writeReply(client, replyCode(err))
		_ = client.Close()
		return
	}

	// The bind address is left as 0.0.0.0:0.
	if err := writeReply(client, repSucceeded); err != nil {
		_ = client.Close()
		return
	}
	_ = client.SetDeadline(time.Time{})

	slog.Debug("SOCKS5 tunnel", slog.String("src_addr", src), slog.String("dest_addr", target))
	s.handler.ServeTunnel(s.ctx, client, reader, target)
}

// negotiate performs a minimal "no-auth" method selection.
func negotiate(r io.Reader, w io.Writer) error {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if header[0] != socksVer5 {
		return ErrInvalidSocksVersion
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}
	for _, m := range methods {
		if m == socksNoAuth {
			_, err := w.Write([]byte{socksVer5, socksNoAuth})
			return err
		}
	}
	_, _ = w.Write([]byte{socksVer5, socksNoValid})
	return ErrNoAcceptableMethod
}

// readRequest reads a single SOCKS5 request and returns its host:port target.
func readRequest(r io.Reader) (string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}
	ver, cmd, atyp := header[0], header[1], header[3]
	if ver != socksVer5 {
		return "", ErrInvalidSocksVersion
	}
	if cmd != socksCmdConn {
		return "", fmt.Errorf("%w: 0x%02x", ErrInvalidSocksCmd, cmd)
	}

	var host string
	switch atyp {
	case socksATYPv4, socksATYPv6:
		size := net.IPv4len
		if atyp == socksATYPv6 {
			size = net.IPv6len
		}
		ip := make([]byte, size)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", fmt.Errorf("read address: %w", err)
		}
		host = net.IP(ip).String()

	case socksATYDomain:
		var size [1]byte
		if _, err := io.ReadFull(r, size[:]); err != nil {
			return "", fmt.Errorf("read hostname length: %w", err)
		}
		name := make([]byte, size[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return "", fmt.Errorf("read hostname: %w", err)
		}
		host = string(name)

	default:
		return "", fmt.Errorf("%w: 0x%02x", ErrInvalidAddrType, atyp)
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port[:])))), nil
}

func replyCode(err error) byte {
	switch {
	case errors.Is(err, ErrInvalidSocksCmd):
		return repCmdNotSupported
	case errors.Is(err, ErrInvalidAddrType):
		return repAddrNotSupport
	default:
		return repGeneralFailure
	}
}

func writeReply(w io.Writer, rep byte) error {
	_, err := w.Write([]byte{socksVer5, rep, 0x00, socksATYPv4, 0, 0, 0, 0, 0, 0})
	return err
}
