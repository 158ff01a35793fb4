package common

type PredicateType string

const (
	PredicateBodyContainsAny        PredicateType = "BODY-CONTAINS-ANY"
	PredicateRequestBodyContainsAny PredicateType = "REQUEST-BODY-CONTAINS-ANY"
	PredicateOperationNameIn        PredicateType = "OPERATION-NAME-IN"
	PredicateBodyRegex              PredicateType = "BODY-REGEX"
)

// Predicate decides whether a flow matches. Stage names the earliest hook
// at which the data it reads exists.
type Predicate interface {
	Type() PredicateType
	Stage() Stage
	Match(flow *Flow) bool
}

type Rule interface {
	Name() string
	URLPrefix() string
	Predicate() Predicate
	Action() Action
}

type MatchResult struct {
	rule Rule
}

var NoMatch = MatchResult{}

func NewMatch(rule Rule) MatchResult {
	return MatchResult{rule: rule}
}

func (m MatchResult) Matched() (Rule, bool) {
	return m.rule, m.rule != nil
}
