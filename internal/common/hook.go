package common

// Hook is called by the proxy engine for every intercepted flow. OnRequest
// may set flow.Response to answer without contacting the upstream.
type Hook interface {
	OnRequest(flow *Flow)
	OnResponse(flow *Flow)
}

// Filter is optionally implemented by a Hook. When Wants returns false the
// engine forwards the exchange without buffering it or calling the hook.
type Filter interface {
	Wants(url string) bool
}
