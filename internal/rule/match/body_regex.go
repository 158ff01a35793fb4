package match

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/config"
)

// regexTimeout bounds a single match so a pathological pattern cannot stall
// the flow.
const regexTimeout = 200 * time.Millisecond

type BodyRegex struct {
	regex *regexp2.Regexp
}

func (b *BodyRegex) Type() common.PredicateType {
	return common.PredicateBodyRegex
}

func (b *BodyRegex) Stage() common.Stage {
	return common.StageResponse
}

func (b *BodyRegex) Match(flow *common.Flow) bool {
	text, ok := flow.ResponseText()
	if !ok {
		return false
	}
	matched, err := b.regex.MatchString(text)
	if err != nil {
		slog.Debug("regexp2.MatchString", slog.String("pattern", b.regex.String()), slog.Any("error", err))
		return false
	}
	return matched
}

func (b *BodyRegex) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(b.Type())),
		slog.String("pattern", b.regex.String()),
	)
}

func NewBodyRegex(rule *config.Rule) (*BodyRegex, error) {
	if rule.MatchValue == "" {
		return nil, fmt.Errorf("%w: %s requires match-value", config.ErrInvalidRule, rule.Type)
	}
	regex, err := regexp2.Compile(rule.MatchValue, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("%w: regexp2.Compile: %v", config.ErrInvalidRule, err)
	}
	regex.MatchTimeout = regexTimeout
	return &BodyRegex{regex: regex}, nil
}
