package match

import (
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/config"
)

// OperationNameIn matches GraphQL requests whose top-level "operationName"
// is one of a fixed set. Only a top-level object carries that field.
type OperationNameIn struct {
	names map[string]struct{}
}

func (o *OperationNameIn) Type() common.PredicateType {
	return common.PredicateOperationNameIn
}

func (o *OperationNameIn) Stage() common.Stage {
	return common.StageRequest
}

func (o *OperationNameIn) Match(flow *common.Flow) bool {
	text, ok := flow.RequestText()
	if !ok || !gjson.Valid(text) {
		return false
	}
	doc := gjson.Parse(text)
	if !doc.IsObject() {
		return false
	}
	name := doc.Get("operationName")
	if name.Type != gjson.String {
		return false
	}
	_, ok = o.names[name.String()]
	return ok
}

func (o *OperationNameIn) LogValue() slog.Value {
	names := make([]string, 0, len(o.names))
	for n := range o.names {
		names = append(names, n)
	}
	return slog.GroupValue(
		slog.String("type", string(o.Type())),
		slog.String("names", strings.Join(names, ",")),
	)
}

func NewOperationNameIn(rule *config.Rule) (*OperationNameIn, error) {
	values, err := nonEmptyValues(rule)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(values))
	for _, v := range values {
		names[v] = struct{}{}
	}
	return &OperationNameIn{names: names}, nil
}
