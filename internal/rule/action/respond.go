package action

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/config"
)

const (
	DefaultStatus = http.StatusInternalServerError
	DefaultBody   = "Internal Server Error"
)

// Respond discards whatever response the flow carries and installs a fixed
// synthetic one.
type Respond struct {
	status int
	body   []byte
	header http.Header
}

func (r *Respond) Type() common.ActionType {
	return common.ActionRespond
}

func (r *Respond) Execute(flow *common.Flow) error {
	flow.SetResponse(r.Response())
	return nil
}

// Response returns a fresh copy of the synthetic response.
func (r *Respond) Response() *common.Response {
	return &common.Response{
		StatusCode: r.status,
		Header:     r.header.Clone(),
		Body:       append([]byte(nil), r.body...),
	}
}

func (r *Respond) Status() int {
	return r.status
}

func (r *Respond) MarshalJSON() ([]byte, error) {
	headers := make(map[string]string, len(r.header))
	for k := range r.header {
		headers[k] = r.header.Get(k)
	}
	return json.Marshal(map[string]any{
		"type":    r.Type(),
		"status":  r.status,
		"body":    string(r.body),
		"headers": headers,
	})
}

func (r *Respond) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(r.Type())),
		slog.Int("status", r.status),
		slog.Int("body_len", len(r.body)),
	)
}

// NewRespond validates the configured status and headers. A zero status
// means 500; an unset body and header set fall back to the plain-text
// "Internal Server Error" reply.
func NewRespond(rule *config.Rule) (*Respond, error) {
	status := rule.Status
	if status == 0 {
		status = DefaultStatus
	}
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("%w: status %d out of range", config.ErrInvalidRule, status)
	}

	body := rule.Body
	if body == "" && rule.Headers == nil {
		body = DefaultBody
	}

	header := make(http.Header, len(rule.Headers)+1)
	if rule.Headers == nil {
		header.Set("Content-Type", "text/plain")
	}
	for k, v := range rule.Headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, fmt.Errorf("%w: invalid header name %q", config.ErrInvalidRule, k)
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return nil, fmt.Errorf("%w: invalid value for header %q", config.ErrInvalidRule, k)
		}
		header.Set(http.CanonicalHeaderKey(k), v)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &Respond{
		status: status,
		body:   []byte(body),
		header: header,
	}, nil
}
