package rule

import (
	"encoding/json"
	"log/slog"

	"github.com/flowstub/flowstub/internal/common"
)

// Rule binds a URL prefix, a predicate and an action. Immutable once built.
type Rule struct {
	name      string
	urlPrefix string
	predicate common.Predicate
	action    common.Action
}

func (r *Rule) Name() string                { return r.name }
func (r *Rule) URLPrefix() string           { return r.urlPrefix }
func (r *Rule) Predicate() common.Predicate { return r.predicate }
func (r *Rule) Action() common.Action       { return r.action }

func (r *Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"name":       r.name,
		"url_prefix": r.urlPrefix,
		"type":       r.predicate.Type(),
		"stage":      r.predicate.Stage(),
		"action":     r.action,
	})
}

func (r *Rule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", r.name),
		slog.String("type", string(r.predicate.Type())),
		slog.String("url_prefix", r.urlPrefix),
		slog.Any("action", r.action),
	)
}
