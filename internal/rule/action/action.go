package action

import (
	"fmt"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/config"
)

func NewAction(rule *config.Rule) (common.Action, error) {
	switch common.ActionType(rule.Action) {
	case common.ActionRespond:
		return NewRespond(rule)
	default:
		return nil, fmt.Errorf("%w: unsupported action %q", config.ErrInvalidRule, rule.Action)
	}
}
