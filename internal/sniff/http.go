package sniff

import (
	"bufio"
	"strings"
)

var methods = [...]string{
	"GET",
	"POST",
	"HEAD",
	"PUT",
	"DELETE",
	"OPTIONS",
	"PATCH",
	"TRACE",
}

const maxMethodLen = 7

type node struct {
	next map[byte]*node
	end  bool
}

var methodTrie = buildTrie()

func buildTrie() *node {
	root := &node{next: make(map[byte]*node)}
	for _, m := range methods {
		n := root
		for i := 0; i < len(m); i++ {
			c := m[i]
			if n.next[c] == nil {
				n.next[c] = &node{next: make(map[byte]*node)}
			}
			n = n.next[c]
		}
		n.end = true
	}
	return root
}

// beginWithHTTPMethod walks the trie over peeked bytes, asking the reader
// for more only while a method prefix is still possible.
func beginWithHTTPMethod(reader *bufio.Reader) (bool, error) {
	n := methodTrie
	var prevLen int

	for size := 3; size <= maxMethodLen; size++ {
		buf, err := reader.Peek(size)
		if err != nil {
			return false, err
		}
		for i := prevLen; i < len(buf); i++ {
			next, ok := n.next[buf[i]]
			if !ok {
				return false, nil
			}
			n = next
			if n.end {
				return true, nil
			}
		}
		prevLen = len(buf)
	}
	return false, nil
}

func parseRequestLine(line string) (method, requestURI, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	requestURI, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 {
		return "", "", "", false
	}
	return method, requestURI, proto, true
}

// SniffHTTP reports whether the stream starts with an HTTP/1.x request.
// CONNECT is not accepted: a tunnel inside a tunnel is relayed as TCP.
func SniffHTTP(reader *bufio.Reader) (bool, error) {
	ok, err := beginWithHTTPMethod(reader)
	if err != nil || !ok {
		return false, err
	}

	line, err := peekLine(reader, 256)
	if err != nil {
		// Request line not fully buffered yet; the method is enough.
		return true, nil
	}
	_, _, proto, parsed := parseRequestLine(line)
	if !parsed {
		return true, nil
	}
	return proto == "HTTP/1.1" || proto == "HTTP/1.0", nil
}
