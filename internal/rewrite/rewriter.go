package rewrite

import (
	"fmt"
	"log/slog"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/statistics"
)

// Rewriter applies a matched rule to a flow.
type Rewriter struct {
	recorder *statistics.Recorder
}

// New returns a Rewriter reporting to recorder, which may be nil.
func New(recorder *statistics.Recorder) *Rewriter {
	return &Rewriter{recorder: recorder}
}

func (r *Rewriter) Apply(flow *common.Flow, rule common.Rule) error {
	if err := rule.Action().Execute(flow); err != nil {
		return fmt.Errorf("rule %s: %w", rule.Name(), err)
	}
	flow.Decide(common.DecisionRewritten)

	status := 0
	if flow.Response != nil {
		status = flow.Response.StatusCode
	}
	r.recorder.AddRecord(&statistics.RewriteRecord{
		Rule:   rule.Name(),
		Host:   flow.Host(),
		Status: status,
	})
	slog.Info("Rewrite response",
		slog.String("rule", rule.Name()),
		slog.Any("flow", flow),
	)
	return nil
}
