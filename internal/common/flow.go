package common

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

type Stage string

const (
	StageRequest  Stage = "REQUEST"
	StageResponse Stage = "RESPONSE"
)

type Decision string

const (
	DecisionObserved    Decision = "OBSERVED"
	DecisionPassthrough Decision = "PASSTHROUGH"
	DecisionRewritten   Decision = "REWRITTEN"
)

type Request struct {
	Method     string
	URL        *url.URL
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Flow is one intercepted exchange. A Flow belongs to the goroutine serving
// it and is not safe for concurrent use.
type Flow struct {
	ID       uuid.UUID
	Request  *Request
	Response *Response

	// MaxBodySize caps the decoded text handed to predicates. 0 = unlimited.
	MaxBodySize int64

	decision Decision
	reqText  bodyText
	respText bodyText
}

func NewFlow(req *Request, maxBodySize int64) *Flow {
	return &Flow{
		ID:          uuid.New(),
		Request:     req,
		MaxBodySize: maxBodySize,
		decision:    DecisionObserved,
	}
}

// URL returns the absolute request URL with userinfo and default ports
// removed, or "" when the flow has no request.
func (f *Flow) URL() string {
	if f == nil || f.Request == nil || f.Request.URL == nil {
		return ""
	}
	u := *f.Request.URL
	u.User = nil
	u.Host = stripDefaultPort(u.Scheme, u.Host)
	return u.String()
}

func (f *Flow) Host() string {
	if f == nil || f.Request == nil || f.Request.URL == nil {
		return ""
	}
	return f.Request.URL.Hostname()
}

func stripDefaultPort(scheme, host string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		if net.ParseIP(h) != nil && net.ParseIP(h).To4() == nil {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

// RequestText returns the decoded request body. ok is false when there is
// no body or its content encoding cannot be undone.
func (f *Flow) RequestText() (string, bool) {
	if f.Request == nil {
		return "", false
	}
	if !f.reqText.done {
		f.reqText = decodeText(f.Request.Header, f.Request.Body, f.MaxBodySize)
	}
	return f.reqText.text, f.reqText.ok
}

// ResponseText is RequestText for the response side. It returns false at
// the request stage.
func (f *Flow) ResponseText() (string, bool) {
	if f.Response == nil {
		return "", false
	}
	if !f.respText.done {
		f.respText = decodeText(f.Response.Header, f.Response.Body, f.MaxBodySize)
	}
	return f.respText.text, f.respText.ok
}

// TextDecoded reports whether the body of the given stage has been decoded.
func (f *Flow) TextDecoded(stage Stage) bool {
	if stage == StageRequest {
		return f.reqText.done
	}
	return f.respText.done
}

// SetResponse replaces the response wholesale.
func (f *Flow) SetResponse(resp *Response) {
	f.Response = resp
	f.respText = bodyText{}
}

func (f *Flow) Decision() Decision {
	if f.decision == "" {
		return DecisionObserved
	}
	return f.decision
}

// Decide records a terminal decision. The first terminal decision sticks.
func (f *Flow) Decide(d Decision) {
	if f.Decided() {
		return
	}
	f.decision = d
}

func (f *Flow) Decided() bool {
	return f.decision == DecisionPassthrough || f.decision == DecisionRewritten
}

func (f *Flow) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", f.ID.String()),
		slog.String("host", f.Host()),
		slog.String("url", f.URL()),
	}
	if f.Request != nil {
		attrs = append(attrs,
			slog.String("method", f.Request.Method),
			slog.String("src_addr", f.Request.RemoteAddr),
		)
	}
	if f.Response != nil {
		attrs = append(attrs, slog.Int("status", f.Response.StatusCode))
	}
	return slog.GroupValue(attrs...)
}
