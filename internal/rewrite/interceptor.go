package rewrite

import (
	"log/slog"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/statistics"
)

// Matcher is the part of rule.Engine the interceptor needs.
type Matcher interface {
	Evaluate(flow *common.Flow, stage common.Stage) common.MatchResult
	ServeRequest() bool
	Wants(url string) bool
}

// Interceptor connects a Matcher and a Rewriter to the proxy hooks.
type Interceptor struct {
	matcher  Matcher
	rewriter *Rewriter
	recorder *statistics.Recorder

	// earlyRequestMatch answers request-only rules before the upstream
	// round trip.
	earlyRequestMatch bool
}

var (
	_ common.Hook   = (*Interceptor)(nil)
	_ common.Filter = (*Interceptor)(nil)
)

func NewInterceptor(matcher Matcher, recorder *statistics.Recorder, earlyRequestMatch bool) *Interceptor {
	return &Interceptor{
		matcher:           matcher,
		rewriter:          New(recorder),
		recorder:          recorder,
		earlyRequestMatch: earlyRequestMatch,
	}
}

func (i *Interceptor) OnRequest(flow *common.Flow) {
	if !i.earlyRequestMatch || !i.matcher.ServeRequest() || flow.Decided() {
		return
	}
	i.handle(flow, common.StageRequest)
}

func (i *Interceptor) OnResponse(flow *common.Flow) {
	if flow.Decided() {
		return
	}
	i.handle(flow, common.StageResponse)
}

func (i *Interceptor) Wants(url string) bool {
	return i.matcher.Wants(url)
}

func (i *Interceptor) handle(flow *common.Flow, stage common.Stage) {
	original := flow.Response
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Rule evaluation panicked",
				slog.Any("panic", p),
				slog.String("stage", string(stage)),
				slog.Any("flow", flow),
			)
			if !flow.Decided() {
				i.passthrough(flow, original)
			}
		}
	}()

	rule, ok := i.matcher.Evaluate(flow, stage).Matched()
	if !ok {
		if stage == common.StageResponse {
			i.passthrough(flow, original)
		}
		return
	}
	if err := i.rewriter.Apply(flow, rule); err != nil {
		slog.Warn("Rewrite failed", slog.Any("error", err), slog.Any("flow", flow))
		i.passthrough(flow, original)
	}
}

// passthrough restores the response as it was before evaluation and
// finalizes the flow untouched.
func (i *Interceptor) passthrough(flow *common.Flow, original *common.Response) {
	if flow.Response != original {
		flow.SetResponse(original)
	}
	flow.Decide(common.DecisionPassthrough)
	i.recorder.AddPassthrough()
	slog.Debug("Passthrough", slog.Any("flow", flow))
}
