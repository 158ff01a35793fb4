package match

import (
	"log/slog"
	"strings"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/config"
)

// BodyContainsAny matches when the decoded response text contains any of
// its values as a literal, case-sensitive substring.
type BodyContainsAny struct {
	values []string
}

func (b *BodyContainsAny) Type() common.PredicateType {
	return common.PredicateBodyContainsAny
}

func (b *BodyContainsAny) Stage() common.Stage {
	return common.StageResponse
}

func (b *BodyContainsAny) Match(flow *common.Flow) bool {
	text, ok := flow.ResponseText()
	return ok && containsAny(text, b.values)
}

func (b *BodyContainsAny) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(b.Type())),
		slog.Int("values", len(b.values)),
	)
}

func NewBodyContainsAny(rule *config.Rule) (*BodyContainsAny, error) {
	values, err := nonEmptyValues(rule)
	if err != nil {
		return nil, err
	}
	return &BodyContainsAny{values: values}, nil
}

// RequestBodyContainsAny is BodyContainsAny over the request text.
type RequestBodyContainsAny struct {
	values []string
}

func (b *RequestBodyContainsAny) Type() common.PredicateType {
	return common.PredicateRequestBodyContainsAny
}

func (b *RequestBodyContainsAny) Stage() common.Stage {
	return common.StageRequest
}

func (b *RequestBodyContainsAny) Match(flow *common.Flow) bool {
	text, ok := flow.RequestText()
	return ok && containsAny(text, b.values)
}

func (b *RequestBodyContainsAny) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(b.Type())),
		slog.Int("values", len(b.values)),
	)
}

func NewRequestBodyContainsAny(rule *config.Rule) (*RequestBodyContainsAny, error) {
	values, err := nonEmptyValues(rule)
	if err != nil {
		return nil, err
	}
	return &RequestBodyContainsAny{values: values}, nil
}

func containsAny(text string, values []string) bool {
	for _, v := range values {
		if strings.Contains(text, v) {
			return true
		}
	}
	return false
}
