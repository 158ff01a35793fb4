package rule

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/config"
)

const notice = "您的裝置尚未設為此帳戶的同戶裝置。"

func newFlow(t *testing.T, rawURL, reqBody string) *common.Flow {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	req := &common.Request{Method: http.MethodPost, URL: u, Header: http.Header{}}
	if reqBody != "" {
		req.Body = []byte(reqBody)
	}
	return common.NewFlow(req, 0)
}

func withResponse(f *common.Flow, body string) *common.Flow {
	f.SetResponse(&common.Response{StatusCode: 200, Header: http.Header{}, Body: []byte(body)})
	return f
}

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(config.DefaultRules())
	require.NoError(t, err)
	return e
}

func matchedName(t *testing.T, res common.MatchResult) string {
	t.Helper()
	r, ok := res.Matched()
	if !ok {
		return ""
	}
	return r.Name()
}

func TestEvaluateDefaultRules(t *testing.T) {
	e := defaultEngine(t)
	assert.True(t, e.ServeRequest())
	assert.True(t, e.ServeResponse())
	require.Len(t, e.Rules(), 2)

	tests := []struct {
		name    string
		url     string
		reqBody string
		resp    string
		stage   common.Stage
		want    string
	}{
		{
			name:  "notice text in response",
			url:   config.NetflixGraphQLURL,
			resp:  `{"errors":[{"message":"` + notice + `"}]}`,
			stage: common.StageResponse,
			want:  "household-notice-text",
		},
		{
			name:    "interstitial operation at request stage",
			url:     config.NetflixGraphQLURL,
			reqBody: `{"operationName":"CLCSInterstitialLolomo"}`,
			stage:   common.StageRequest,
			want:    "household-interstitial-operation",
		},
		{
			name:    "interstitial operation at response stage",
			url:     config.NetflixGraphQLURL,
			reqBody: `{"operationName":"CLCSInterstitialPlaybackAndPostPlayback"}`,
			resp:    `{"data":{}}`,
			stage:   common.StageResponse,
			want:    "household-interstitial-operation",
		},
		{
			name:    "first rule wins",
			url:     config.NetflixGraphQLURL,
			reqBody: `{"operationName":"CLCSInterstitialLolomo"}`,
			resp:    notice,
			stage:   common.StageResponse,
			want:    "household-notice-text",
		},
		{
			name:    "unrelated operation",
			url:     config.NetflixGraphQLURL,
			reqBody: `{"operationName":"LolomoQuery"}`,
			resp:    `{"data":{}}`,
			stage:   common.StageResponse,
		},
		{
			name:  "prefix extends to query",
			url:   config.NetflixGraphQLURL + "?webp=true",
			resp:  notice,
			stage: common.StageResponse,
			want:  "household-notice-text",
		},
		{
			name:  "notice on another host",
			url:   "https://www.netflix.com/graphql",
			resp:  notice,
			stage: common.StageResponse,
		},
		{
			name:  "plaintext scheme does not match https prefix",
			url:   "http://web.prod.cloud.netflix.com/graphql",
			resp:  notice,
			stage: common.StageResponse,
		},
		{
			name:  "response predicate skipped at request stage",
			url:   config.NetflixGraphQLURL,
			stage: common.StageRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFlow(t, tt.url, tt.reqBody)
			if tt.resp != "" {
				withResponse(f, tt.resp)
			}
			assert.Equal(t, tt.want, matchedName(t, e.Evaluate(f, tt.stage)))
		})
	}
}

func TestEvaluateNoDecodingOutsidePrefix(t *testing.T) {
	e := defaultEngine(t)

	f := newFlow(t, "https://example.com/graphql", `{"operationName":"CLCSInterstitialLolomo"}`)
	h := http.Header{}
	h.Set("Content-Encoding", "gzip")
	f.SetResponse(&common.Response{StatusCode: 200, Header: h, Body: []byte("corrupt gzip stream")})

	assert.Equal(t, common.NoMatch, e.Evaluate(f, common.StageResponse))
	assert.False(t, f.TextDecoded(common.StageRequest))
	assert.False(t, f.TextDecoded(common.StageResponse))
}

func TestEvaluateCompressedResponse(t *testing.T) {
	e := defaultEngine(t)

	f := newFlow(t, config.NetflixGraphQLURL, "")
	h := http.Header{}
	h.Set("Content-Encoding", "gzip")
	h.Set("Content-Type", "application/json; charset=utf-8")
	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	_, err := zw.Write([]byte(`{"message":"` + notice + `"}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	f.SetResponse(&common.Response{StatusCode: 200, Header: h, Body: body.Bytes()})

	assert.Equal(t, "household-notice-text", matchedName(t, e.Evaluate(f, common.StageResponse)))
}

func TestEvaluateNilRequest(t *testing.T) {
	e := defaultEngine(t)
	assert.Equal(t, common.NoMatch, e.Evaluate(&common.Flow{}, common.StageResponse))
}

type spyPredicate struct {
	stage common.Stage
	calls int
	match bool
}

func (s *spyPredicate) Type() common.PredicateType { return "SPY" }
func (s *spyPredicate) Stage() common.Stage        { return s.stage }
func (s *spyPredicate) Match(*common.Flow) bool {
	s.calls++
	return s.match
}

func TestEvaluateOrderAndShortCircuit(t *testing.T) {
	first := &spyPredicate{stage: common.StageResponse, match: true}
	second := &spyPredicate{stage: common.StageResponse, match: true}
	other := &spyPredicate{stage: common.StageResponse, match: true}
	e := &Engine{rules: []*Rule{
		{name: "other-host", urlPrefix: "https://other.example/", predicate: other},
		{name: "first", urlPrefix: "https://example.com/", predicate: first},
		{name: "second", urlPrefix: "https://example.com/", predicate: second},
	}}

	f := withResponse(newFlow(t, "https://example.com/x", ""), "body")
	assert.Equal(t, "first", matchedName(t, e.Evaluate(f, common.StageResponse)))
	assert.Equal(t, 0, other.calls)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
}

func TestNewEngineInvalidRules(t *testing.T) {
	valid := config.DefaultRules()[0]
	tests := []struct {
		name   string
		mutate func(r *config.Rule)
	}{
		{"empty prefix", func(r *config.Rule) { r.URLPrefix = "" }},
		{"unknown type", func(r *config.Rule) { r.Type = "HEADER-KEYWORD" }},
		{"empty values", func(r *config.Rule) { r.MatchValues = nil }},
		{"bad regex", func(r *config.Rule) { r.Type = config.RuleTypeBodyRegex; r.MatchValue = "(" }},
		{"bad action", func(r *config.Rule) { r.Action = "DROP" }},
		{"bad status", func(r *config.Rule) { r.Status = 42 }},
		{"bad header", func(r *config.Rule) { r.Headers = map[string]string{"bad name": "x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			r.Headers = map[string]string{"Content-Type": "text/plain"}
			tt.mutate(&r)
			e, err := NewEngine([]config.Rule{config.DefaultRules()[1], r})
			assert.Nil(t, e)
			require.Error(t, err)
			assert.True(t, errors.Is(err, config.ErrInvalidRule), err.Error())
		})
	}
}

func TestNewEngineSkipsDisabled(t *testing.T) {
	rules := config.DefaultRules()
	rules[0].Disabled = true
	rules = append(rules, config.Rule{Disabled: true, Type: "garbage"})

	e, err := NewEngine(rules)
	require.NoError(t, err)
	require.Len(t, e.Rules(), 1)
	assert.Equal(t, "household-interstitial-operation", e.Rules()[0].Name())
}

func TestNewEngineEmpty(t *testing.T) {
	e, err := NewEngine(nil)
	require.NoError(t, err)
	assert.False(t, e.ServeRequest())
	assert.False(t, e.ServeResponse())
	assert.False(t, e.Wants(config.NetflixGraphQLURL))
}

func TestWants(t *testing.T) {
	e := defaultEngine(t)
	assert.True(t, e.Wants(config.NetflixGraphQLURL))
	assert.True(t, e.Wants(config.NetflixGraphQLURL+"?x=1"))
	assert.False(t, e.Wants("https://web.prod.cloud.netflix.com/other"))
}

func TestDefaultRuleNames(t *testing.T) {
	rules := config.DefaultRules()
	rules[0].Name = ""
	e, err := NewEngine(rules)
	require.NoError(t, err)
	assert.Equal(t, "rule-1", e.Rules()[0].Name())
}

func TestEvaluateConcurrently(t *testing.T) {
	e := defaultEngine(t)
	const workers = 64

	flows := make([]*common.Flow, workers)
	stages := make([]common.Stage, workers)
	for n := range flows {
		switch n % 3 {
		case 0:
			flows[n] = newFlow(t, config.NetflixGraphQLURL, `{"operationName":"CLCSInterstitialLolomo"}`)
			stages[n] = common.StageRequest
		case 1:
			flows[n] = withResponse(newFlow(t, config.NetflixGraphQLURL, ""), notice)
			stages[n] = common.StageResponse
		default:
			flows[n] = withResponse(newFlow(t, config.NetflixGraphQLURL, `{"operationName":"LolomoQuery"}`), `{"data":{}}`)
			stages[n] = common.StageResponse
		}
	}

	got := make([]string, workers)
	var wg sync.WaitGroup
	for n := range flows {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if r, ok := e.Evaluate(flows[n], stages[n]).Matched(); ok {
				got[n] = r.Name()
			}
		}(n)
	}
	wg.Wait()

	want := []string{"household-interstitial-operation", "household-notice-text", ""}
	for n, name := range got {
		assert.Equal(t, want[n%3], name, n)
	}
}
