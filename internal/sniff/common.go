package sniff

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// Protocol is what a tunnel's first bytes look like.
type Protocol string

const (
	TCP  Protocol = "TCP"
	HTTP Protocol = "HTTP"
	TLS  Protocol = "TLS"
)

// BufferSize is the reader size needed to peek a whole TLS record.
const BufferSize = recordHeaderLen + maxRecordLen

var ErrPeekTimeout = errors.New("peek timeout")

// Detect classifies the stream without consuming it. Any peek error other
// than a short read is returned with TCP.
func Detect(reader *bufio.Reader) (Protocol, error) {
	if IsTLSRecord(reader) {
		return TLS, nil
	}
	isHTTP, err := SniffHTTP(reader)
	if err != nil && !errors.Is(err, io.EOF) {
		return TCP, err
	}
	if isHTTP {
		return HTTP, nil
	}
	return TCP, nil
}

// peekLine returns the first line (without CRLF) among the bytes already
// buffered, up to maxSize, without consuming it.
func peekLine(br *bufio.Reader, maxSize int) (string, error) {
	size := maxSize
	if buffered := br.Buffered(); buffered < size {
		size = buffered
	}
	if size == 0 {
		return "", io.EOF
	}
	buf, err := br.Peek(size)
	if err != nil {
		return "", err
	}
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return "", io.EOF
	}
	return string(bytes.TrimSuffix(buf[:i], []byte{'\r'})), nil
}
