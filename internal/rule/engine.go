package rule

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/config"
	"github.com/flowstub/flowstub/internal/rule/action"
	"github.com/flowstub/flowstub/internal/rule/match"
)

// Engine evaluates flows against an ordered, immutable rule list. It holds
// no mutable state and is safe for concurrent use.
type Engine struct {
	rules         []*Rule
	serveRequest  bool
	serveResponse bool
}

// NewEngine builds every enabled rule in order. Any invalid rule aborts the
// build; disabled rules are skipped without validation.
func NewEngine(rules []config.Rule) (*Engine, error) {
	e := &Engine{}
	for i := range rules {
		cfg := &rules[i]
		if cfg.Disabled {
			continue
		}
		r, err := newRule(i, cfg)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, r)
	}

	for _, r := range e.rules {
		if r.predicate.Stage() == common.StageRequest {
			e.serveRequest = true
		}
		e.serveResponse = true
	}
	return e, nil
}

func newRule(index int, cfg *config.Rule) (*Rule, error) {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("rule-%d", index+1)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rule %d (%s): %w", index+1, name, err)
	}
	p, err := match.NewPredicate(cfg)
	if err != nil {
		return nil, fmt.Errorf("rule %d (%s): %w", index+1, name, err)
	}
	a, err := action.NewAction(cfg)
	if err != nil {
		return nil, fmt.Errorf("rule %d (%s): %w", index+1, name, err)
	}
	return &Rule{
		name:      name,
		urlPrefix: cfg.URLPrefix,
		predicate: p,
		action:    a,
	}, nil
}

// Evaluate returns the first rule whose URL prefix and predicate match the
// flow at the given stage. Predicates needing response data are skipped at
// the request stage, and no body is decoded unless some prefix matches.
func (e *Engine) Evaluate(flow *common.Flow, stage common.Stage) common.MatchResult {
	url := flow.URL()
	if url == "" {
		return common.NoMatch
	}
	for _, r := range e.rules {
		if !strings.HasPrefix(url, r.urlPrefix) {
			continue
		}
		if stage == common.StageRequest && r.predicate.Stage() == common.StageResponse {
			continue
		}
		if r.predicate.Match(flow) {
			slog.Debug("Rule matched", slog.Any("rule", r), slog.String("stage", string(stage)), slog.Any("flow", flow))
			return common.NewMatch(r)
		}
	}
	return common.NoMatch
}

// ServeRequest reports whether any rule can match at the request stage.
func (e *Engine) ServeRequest() bool {
	return e.serveRequest
}

func (e *Engine) ServeResponse() bool {
	return e.serveResponse
}

// Wants reports whether any rule's prefix covers url.
func (e *Engine) Wants(url string) bool {
	for _, r := range e.rules {
		if strings.HasPrefix(url, r.urlPrefix) {
			return true
		}
	}
	return false
}

func (e *Engine) Rules() []common.Rule {
	out := make([]common.Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r
	}
	return out
}
