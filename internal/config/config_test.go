package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// resetViper clears viper global state and registers the defaults the
// root command installs.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	SetDefaults()
}

// writeConfigFile writes YAML content to a temp file and returns its path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

// loadConfigFile merges a YAML config file into viper.
func loadConfigFile(t *testing.T, path string) {
	t.Helper()
	viper.SetConfigFile(path)
	if err := viper.MergeInConfig(); err != nil {
		t.Fatalf("failed to merge config file: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	resetViper(t)

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"BindAddress", cfg.BindAddress, "127.0.0.1"},
		{"Port", cfg.Port, 8080},
		{"ListenAddr", cfg.ListenAddr, "127.0.0.1:8080"},
		{"SOCKS5Addr", cfg.SOCKS5Addr, ""},
		{"LogLevel", cfg.LogLevel, "info"},
		{"MaxBodySize", cfg.MaxBodySize, int64(4 << 20)},
		{"EarlyRequestMatch", cfg.EarlyRequestMatch, true},
		{"UpstreamTimeout", cfg.UpstreamTimeout, 30 * time.Second},
		{"Stats", cfg.Stats, true},
		{"MitM.Hostname", cfg.MitM.Hostname, "web.prod.cloud.netflix.com"},
		{"MitM.InsecureSkipVerify", cfg.MitM.InsecureSkipVerify, false},
		{"APIServer", cfg.APIServer, ""},
		{"Rules", len(cfg.Rules), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestDefaultRulesAreValid(t *testing.T) {
	for _, r := range DefaultRules() {
		if err := r.Validate(); err != nil {
			t.Errorf("default rule %q invalid: %v", r.Name, err)
		}
		if r.URLPrefix != NetflixGraphQLURL {
			t.Errorf("default rule %q url prefix = %q", r.Name, r.URLPrefix)
		}
		if r.Status != 500 || r.Body != "Internal Server Error" || r.Headers["Content-Type"] != "text/plain" {
			t.Errorf("default rule %q has unexpected action: %d %q %v", r.Name, r.Status, r.Body, r.Headers)
		}
	}
}

func TestConfigFromFile(t *testing.T) {
	resetViper(t)

	yaml := `
bind-address: 0.0.0.0
port: 3128
socks5-port: 1080
log-level: debug
max-body-size: 1024
early-request-match: false
upstream-timeout: 5s
stats: false
mitm:
  hostname: "*.example.com,api.example.org:8443"
  insecure-skip-verify: true
api-server: "127.0.0.1:9090"
api-server-secret: "s3cret"
`
	path := writeConfigFile(t, yaml)
	loadConfigFile(t, path)

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:3128" {
		t.Errorf("ListenAddr = %v, want 0.0.0.0:3128", cfg.ListenAddr)
	}
	if cfg.SOCKS5Addr != "0.0.0.0:1080" {
		t.Errorf("SOCKS5Addr = %v, want 0.0.0.0:1080", cfg.SOCKS5Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.MaxBodySize != 1024 {
		t.Errorf("MaxBodySize = %v, want 1024", cfg.MaxBodySize)
	}
	if cfg.EarlyRequestMatch {
		t.Error("EarlyRequestMatch should be false")
	}
	if cfg.UpstreamTimeout != 5*time.Second {
		t.Errorf("UpstreamTimeout = %v, want 5s", cfg.UpstreamTimeout)
	}
	if cfg.Stats {
		t.Error("Stats should be false")
	}
	if cfg.MitM.Hostname != "*.example.com,api.example.org:8443" {
		t.Errorf("MitM.Hostname = %v", cfg.MitM.Hostname)
	}
	if !cfg.MitM.InsecureSkipVerify {
		t.Error("MitM.InsecureSkipVerify should be true")
	}
	if cfg.APIServer != "127.0.0.1:9090" {
		t.Errorf("APIServer = %v, want 127.0.0.1:9090", cfg.APIServer)
	}
	if cfg.APIServerSecret != "s3cret" {
		t.Errorf("APIServerSecret = %v, want s3cret", cfg.APIServerSecret)
	}
}

func TestRulesFromFile(t *testing.T) {
	resetViper(t)

	yaml := `
rules:
  - name: blocked-text
    url-prefix: "https://api.example.com/graphql"
    type: BODY-CONTAINS-ANY
    match-values:
      - "needle one"
      - "needle two"
    action: RESPOND
    status: 503
    body: "unavailable"
    headers:
      Content-Type: text/plain
      X-Flowstub: "1"
  - name: blocked-op
    url-prefix: "https://api.example.com/graphql"
    type: OPERATION-NAME-IN
    match-values: ["Interstitial"]
    action: RESPOND
  - name: off
    disabled: true
    url-prefix: "https://api.example.com/"
    type: BODY-REGEX
    match-value: "^x"
    action: RESPOND
`
	path := writeConfigFile(t, yaml)
	loadConfigFile(t, path)

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Rules) != 3 {
		t.Fatalf("got %d rules, want 3", len(cfg.Rules))
	}

	r := cfg.Rules[0]
	if r.Name != "blocked-text" || r.Type != RuleTypeBodyContainsAny {
		t.Errorf("rule 0 = %+v", r)
	}
	if len(r.MatchValues) != 2 || r.MatchValues[1] != "needle two" {
		t.Errorf("rule 0 match values = %v", r.MatchValues)
	}
	if r.Status != 503 || r.Body != "unavailable" {
		t.Errorf("rule 0 action = %d %q", r.Status, r.Body)
	}
	// viper lower-cases map keys read from files
	if r.Headers["content-type"] != "text/plain" || r.Headers["x-flowstub"] != "1" {
		t.Errorf("rule 0 headers = %v", r.Headers)
	}

	if cfg.Rules[1].Type != RuleTypeOperationNameIn || cfg.Rules[1].MatchValues[0] != "Interstitial" {
		t.Errorf("rule 1 = %+v", cfg.Rules[1])
	}
	if !cfg.Rules[2].Disabled {
		t.Error("rule 2 should be disabled")
	}
}

func TestRulesFromJSON(t *testing.T) {
	resetViper(t)
	viper.Set("rules-json", `[{"url_prefix":"https://a.example/","type":"OPERATION-NAME-IN","match_values":["Op"],"action":"RESPOND","status":418}]`)

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(cfg.Rules))
	}
	if cfg.Rules[0].Status != 418 || cfg.Rules[0].MatchValues[0] != "Op" {
		t.Errorf("rule = %+v", cfg.Rules[0])
	}
}

func TestRulesFromInvalidJSON(t *testing.T) {
	resetViper(t)
	viper.Set("rules-json", `[{"url_prefix":`)

	_, err := BuildConfigFromViper()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	resetViper(t)
	t.Setenv("FLOWSTUB_PORT", "9999")
	t.Setenv("FLOWSTUB_EARLY_REQUEST_MATCH", "false")
	viper.SetEnvPrefix("FLOWSTUB")
	_ = viper.BindEnv("port")
	_ = viper.BindEnv("early-request-match", "FLOWSTUB_EARLY_REQUEST_MATCH")

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %v, want 9999", cfg.Port)
	}
	if cfg.EarlyRequestMatch {
		t.Error("EarlyRequestMatch should be false")
	}
}

func TestInvalidTopLevelConfig(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"bad log level", "log-level", "verbose"},
		{"port out of range", "port", 70000},
		{"negative body size", "max-body-size", -1},
		{"bad api address", "api-server", "not an address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			viper.Set(tt.key, tt.val)
			_, err := BuildConfigFromViper()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestRuleValidate(t *testing.T) {
	valid := Rule{
		URLPrefix:   "https://a.example/",
		Type:        RuleTypeBodyContainsAny,
		MatchValues: []string{"x"},
		Action:      ActionRespond,
	}

	tests := []struct {
		name    string
		mutate  func(r *Rule)
		wantErr bool
	}{
		{"valid", func(r *Rule) {}, false},
		{"empty url prefix", func(r *Rule) { r.URLPrefix = "" }, true},
		{"unknown type", func(r *Rule) { r.Type = "HEADER-KEYWORD" }, true},
		{"no match values", func(r *Rule) { r.MatchValues = nil }, true},
		{"empty match value entry", func(r *Rule) { r.MatchValues = []string{""} }, true},
		{"regex without pattern", func(r *Rule) { r.Type = RuleTypeBodyRegex; r.MatchValues = nil }, true},
		{"regex with pattern", func(r *Rule) { r.Type = RuleTypeBodyRegex; r.MatchValues = nil; r.MatchValue = "a+" }, false},
		{"unknown action", func(r *Rule) { r.Action = "DROP" }, true},
		{"status too low", func(r *Rule) { r.Status = 99 }, true},
		{"status too high", func(r *Rule) { r.Status = 600 }, true},
		{"status zero uses default", func(r *Rule) { r.Status = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			r.MatchValues = append([]string(nil), valid.MatchValues...)
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRule) {
				t.Errorf("error %v does not wrap ErrInvalidRule", err)
			}
		})
	}
}

func TestGenerateTemplateConfig(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := GenerateTemplateConfig(true)
	if err != nil {
		t.Fatalf("GenerateTemplateConfig: %v", err)
	}
	if len(cfg.Rules) != 2 {
		t.Errorf("template has %d rules, want 2", len(cfg.Rules))
	}

	resetViper(t)
	loadConfigFile(t, filepath.Join(dir, "config.yaml"))
	loaded, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("BuildConfigFromViper on template: %v", err)
	}
	if loaded.UpstreamTimeout != 30*time.Second {
		t.Errorf("UpstreamTimeout = %v, want 30s", loaded.UpstreamTimeout)
	}
	if len(loaded.Rules) != 2 || loaded.Rules[1].Type != RuleTypeOperationNameIn {
		t.Errorf("template rules = %+v", loaded.Rules)
	}
}
