package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/flowstub/flowstub/internal/common"
)

// flowTransport buffers the exchanges the hook wants and runs them through
// it. Everything else streams straight to the upstream transport.
type flowTransport struct {
	server *Server
}

func (t *flowTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s := t.server
	flow := common.NewFlow(&common.Request{
		Method:     req.Method,
		URL:        req.URL,
		Header:     req.Header,
		RemoteAddr: req.RemoteAddr,
	}, s.cfg.MaxBodySize)

	if req.Header.Get("Upgrade") != "" || !s.wants(flow) {
		return s.upstream.RoundTrip(req)
	}

	body, rest, err := bufferHead(req.Body, req.Header, s.cfg.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	flow.Request.Body = body

	s.hook.OnRequest(flow)
	if flow.Response != nil {
		closeBody(rest)
		return toHTTPResponse(req, flow.Response), nil
	}

	switch {
	case rest != nil:
		// Only the head was buffered; the original length still holds.
		req.Body = joinBody(body, rest)
		req.GetBody = nil
	case len(body) == 0:
		req.Body = http.NoBody
		req.ContentLength = 0
		req.TransferEncoding = nil
	default:
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.TransferEncoding = nil
	}

	resp, err := s.upstream.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	respBody, respRest, err := bufferHead(resp.Body, resp.Header, s.cfg.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	upstream := &common.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}
	flow.SetResponse(upstream)
	s.hook.OnResponse(flow)

	if respRest != nil {
		if flow.Response == upstream {
			resp.Body = joinBody(respBody, respRest)
			return resp, nil
		}
		closeBody(respRest)
	}
	return toHTTPResponse(req, flow.Response), nil
}

func (s *Server) wants(flow *common.Flow) bool {
	filter, ok := s.hook.(common.Filter)
	return !ok || filter.Wants(flow.URL())
}

// bufferHead reads a body for the hook. A body without a content coding
// only needs its first limit bytes scanned, so reading stops there and the
// unread remainder is returned as rest. Coded bodies are read whole since
// the limit applies to decoded bytes.
func bufferHead(rc io.ReadCloser, h http.Header, limit int64) (head []byte, rest io.ReadCloser, err error) {
	if rc == nil || rc == http.NoBody {
		return nil, nil, nil
	}
	if limit <= 0 || hasContentCoding(h) {
		defer rc.Close()
		head, err = io.ReadAll(rc)
		return head, nil, err
	}

	head, err = io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		_ = rc.Close()
		return nil, nil, err
	}
	if int64(len(head)) < limit {
		_ = rc.Close()
		return head, nil, nil
	}
	return head, rc, nil
}

func hasContentCoding(h http.Header) bool {
	for _, v := range h.Values("Content-Encoding") {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" && !strings.EqualFold(c, "identity") {
				return true
			}
		}
	}
	return false
}

type joinedBody struct {
	io.Reader
	io.Closer
}

func joinBody(head []byte, rest io.ReadCloser) io.ReadCloser {
	return joinedBody{Reader: io.MultiReader(bytes.NewReader(head), rest), Closer: rest}
}

func closeBody(rc io.ReadCloser) {
	if rc != nil {
		_ = rc.Close()
	}
}

// toHTTPResponse writes a buffered response back in wire form. The body is
// sent with an explicit length.
func toHTTPResponse(req *http.Request, r *common.Response) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Transfer-Encoding")

	resp := &http.Response{
		Status:     fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode: r.StatusCode,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       http.NoBody,
		Request:    req,
	}
	if req.Method == http.MethodHead || !bodyAllowed(r.StatusCode) {
		return resp
	}
	resp.ContentLength = int64(len(r.Body))
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	if len(r.Body) > 0 {
		resp.Body = io.NopCloser(bytes.NewReader(r.Body))
	}
	return resp
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
