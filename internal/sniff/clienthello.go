package sniff

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordHeaderLen  = 5
	maxRecordLen     = 16384
	recordHandshake  = 0x16
	handshakeHello   = 0x01
	extensionSNI     = 0x0000
	sniHostNameEntry = 0x00
)

var ErrNoSNI = errors.New("no server name in ClientHello")

// IsTLSRecord reports whether the stream starts with a TLS handshake record.
func IsTLSRecord(reader *bufio.Reader) bool {
	header, err := reader.Peek(3)
	if err != nil {
		return false
	}
	return header[0] == recordHandshake && header[1] == 0x03 && header[2] >= 0x01 && header[2] <= 0x04
}

// ServerName peeks the first TLS record and returns the SNI host name of the
// ClientHello it carries. Nothing is consumed. reader must buffer at least
// BufferSize bytes.
func ServerName(reader *bufio.Reader) (string, error) {
	if !IsTLSRecord(reader) {
		return "", errors.New("not a TLS handshake")
	}
	header, err := reader.Peek(recordHeaderLen)
	if err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(header[3:5]))
	if n == 0 || n > maxRecordLen {
		return "", fmt.Errorf("bad TLS record length %d", n)
	}
	record, err := reader.Peek(recordHeaderLen + n)
	if err != nil {
		return "", fmt.Errorf("peek ClientHello: %w", err)
	}
	return parseServerName(record[recordHeaderLen:])
}

// parseServerName walks a ClientHello handshake message down to the
// server_name extension (RFC 6066 section 3).
func parseServerName(handshake []byte) (string, error) {
	s := cryptobyte.String(handshake)

	var msgType uint8
	var hello cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != handshakeHello || !s.ReadUint24LengthPrefixed(&hello) {
		return "", errors.New("not a ClientHello")
	}

	var sessionID, cipherSuites, compression cryptobyte.String
	if !hello.Skip(2+32) ||
		!hello.ReadUint8LengthPrefixed(&sessionID) ||
		!hello.ReadUint16LengthPrefixed(&cipherSuites) ||
		!hello.ReadUint8LengthPrefixed(&compression) {
		return "", errors.New("malformed ClientHello")
	}
	if hello.Empty() {
		return "", ErrNoSNI
	}

	var extensions cryptobyte.String
	if !hello.ReadUint16LengthPrefixed(&extensions) {
		return "", errors.New("malformed ClientHello extensions")
	}
	for !extensions.Empty() {
		var extType uint16
		var ext cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&ext) {
			return "", errors.New("malformed extension")
		}
		if extType != extensionSNI {
			continue
		}
		var names cryptobyte.String
		if !ext.ReadUint16LengthPrefixed(&names) {
			return "", errors.New("malformed server_name extension")
		}
		for !names.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
				return "", errors.New("malformed server_name entry")
			}
			if nameType == sniHostNameEntry && isValidHostname(string(name)) {
				return string(name), nil
			}
		}
	}
	return "", ErrNoSNI
}

func isValidHostname(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	for _, c := range host {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}
