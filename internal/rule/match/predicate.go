package match

import (
	"fmt"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/config"
)

// NewPredicate builds the predicate named by rule.Type.
func NewPredicate(rule *config.Rule) (common.Predicate, error) {
	switch common.PredicateType(rule.Type) {
	case common.PredicateBodyContainsAny:
		return NewBodyContainsAny(rule)
	case common.PredicateRequestBodyContainsAny:
		return NewRequestBodyContainsAny(rule)
	case common.PredicateOperationNameIn:
		return NewOperationNameIn(rule)
	case common.PredicateBodyRegex:
		return NewBodyRegex(rule)
	default:
		return nil, fmt.Errorf("%w: unsupported predicate type %q", config.ErrInvalidRule, rule.Type)
	}
}

func nonEmptyValues(rule *config.Rule) ([]string, error) {
	if len(rule.MatchValues) == 0 {
		return nil, fmt.Errorf("%w: %s requires match-values", config.ErrInvalidRule, rule.Type)
	}
	values := make([]string, 0, len(rule.MatchValues))
	for _, v := range rule.MatchValues {
		if v == "" {
			return nil, fmt.Errorf("%w: %s has an empty match value", config.ErrInvalidRule, rule.Type)
		}
		values = append(values, v)
	}
	return values, nil
}
