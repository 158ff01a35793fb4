package common

type ActionType string

const (
	ActionRespond ActionType = "RESPOND"
)

type Action interface {
	Type() ActionType
	Execute(flow *Flow) error
}
