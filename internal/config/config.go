package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	RuleTypeBodyContainsAny        = "BODY-CONTAINS-ANY"
	RuleTypeRequestBodyContainsAny = "REQUEST-BODY-CONTAINS-ANY"
	RuleTypeOperationNameIn        = "OPERATION-NAME-IN"
	RuleTypeBodyRegex              = "BODY-REGEX"
)

const ActionRespond = "RESPOND"

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrInvalidRule   = errors.New("invalid rule")
)

var validate = validator.New()

type Config struct {
	BindAddress string `json:"bind_address" yaml:"bind-address" mapstructure:"bind-address" validate:"required"`
	Port        int    `json:"port" yaml:"port" mapstructure:"port" validate:"min=0,max=65535"`
	ListenAddr  string `json:"listen_address" yaml:"-" mapstructure:"-"`

	// SOCKS5Port enables a SOCKS5 front end on BindAddress. 0 disables it.
	SOCKS5Port int    `json:"socks5_port,omitempty" yaml:"socks5-port,omitempty" mapstructure:"socks5-port" validate:"min=0,max=65535"`
	SOCKS5Addr string `json:"socks5_address,omitempty" yaml:"-" mapstructure:"-"`

	LogLevel string `json:"log_level" yaml:"log-level" mapstructure:"log-level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`

	// MaxBodySize caps how many decoded body bytes a predicate scans. 0 disables the cap.
	MaxBodySize       int64         `json:"max_body_size" yaml:"max-body-size" mapstructure:"max-body-size" validate:"min=0"`
	EarlyRequestMatch bool          `json:"early_request_match" yaml:"early-request-match" mapstructure:"early-request-match"`
	UpstreamTimeout   time.Duration `json:"upstream_timeout" yaml:"upstream-timeout" mapstructure:"upstream-timeout" validate:"min=0"`
	UpstreamMark      int           `json:"upstream_mark,omitempty" yaml:"upstream-mark,omitempty" mapstructure:"upstream-mark" validate:"min=0"`
	Stats             bool          `json:"stats" yaml:"stats" mapstructure:"stats"`

	MitM MitMConfig `json:"mitm" yaml:"mitm" mapstructure:"mitm"`

	APIServer       string `json:"api_server" yaml:"api-server,omitempty" mapstructure:"api-server" validate:"omitempty,hostname_port"`
	APIServerSecret string `json:"-" yaml:"api-server-secret,omitempty" mapstructure:"api-server-secret"`

	Rules     []Rule `json:"rules" yaml:"rules" mapstructure:"rules" validate:"-"`
	RulesJSON string `json:"-" yaml:"-" mapstructure:"rules-json"`
}

type MitMConfig struct {
	Hostname           string `json:"hostname" yaml:"hostname" mapstructure:"hostname"`
	CAP12              string `json:"-" yaml:"ca-p12,omitempty" mapstructure:"ca-p12"`
	CAPassphrase       string `json:"-" yaml:"ca-passphrase,omitempty" mapstructure:"ca-passphrase"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`
}

// Rule is the configured shape of one interception rule. Semantic checks
// (regex compilation, header syntax) happen when the rule engine is built.
type Rule struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty" mapstructure:"disabled"`

	URLPrefix string `json:"url_prefix" yaml:"url-prefix" mapstructure:"url-prefix" validate:"required"`

	Type        string   `json:"type" yaml:"type" mapstructure:"type" validate:"required,oneof=BODY-CONTAINS-ANY REQUEST-BODY-CONTAINS-ANY OPERATION-NAME-IN BODY-REGEX"`
	MatchValues []string `json:"match_values,omitempty" yaml:"match-values,omitempty" mapstructure:"match-values" validate:"omitempty,dive,required"`
	MatchValue  string   `json:"match_value,omitempty" yaml:"match-value,omitempty" mapstructure:"match-value" validate:"required_if=Type BODY-REGEX"`

	Action  string            `json:"action" yaml:"action" mapstructure:"action" validate:"required,oneof=RESPOND"`
	Status  int               `json:"status,omitempty" yaml:"status,omitempty" mapstructure:"status" validate:"omitempty,min=100,max=599"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty" mapstructure:"body"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" mapstructure:"headers"`
}

// Validate reports structural problems of a single rule.
func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidRule, r.Name, err)
	}
	if !r.hasMatchValues() {
		return fmt.Errorf("%w %q: %s requires at least one match value", ErrInvalidRule, r.Name, r.Type)
	}
	return nil
}

func (r *Rule) hasMatchValues() bool {
	if r.Type == RuleTypeBodyRegex {
		return r.MatchValue != ""
	}
	return len(r.MatchValues) > 0
}

func (r *Rule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", r.Name),
		slog.String("type", r.Type),
		slog.String("url_prefix", r.URLPrefix),
		slog.String("action", r.Action),
		slog.Int("status", r.Status),
	)
}

// SetDefaults registers the built-in value of every key on the global viper.
func SetDefaults() {
	viper.SetDefault("bind-address", "127.0.0.1")
	viper.SetDefault("port", 8080)
	viper.SetDefault("socks5-port", 0)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("max-body-size", 4<<20)
	viper.SetDefault("early-request-match", true)
	viper.SetDefault("upstream-timeout", "30s")
	viper.SetDefault("stats", true)
	viper.SetDefault("mitm.hostname", "web.prod.cloud.netflix.com")
}

// BuildConfigFromViper decodes the merged flag / env / file state held by
// viper into a validated Config.
func BuildConfigFromViper() (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("viper.Unmarshal: %w", err)
	}

	if len(cfg.Rules) == 0 && strings.TrimSpace(cfg.RulesJSON) != "" {
		if err := json.Unmarshal([]byte(cfg.RulesJSON), &cfg.Rules); err != nil {
			return nil, fmt.Errorf("%w: failed to parse rules JSON: %v", ErrInvalidConfig, err)
		}
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}

	cfg.ListenAddr = net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
	if cfg.SOCKS5Port != 0 {
		cfg.SOCKS5Addr = net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.SOCKS5Port))
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("Log Level", c.LogLevel),
		slog.String("Listen Address", c.ListenAddr),
		slog.String("SOCKS5 Address", c.SOCKS5Addr),
		slog.Int64("Max Body Size", c.MaxBodySize),
		slog.Bool("Early Request Match", c.EarlyRequestMatch),
		slog.Duration("Upstream Timeout", c.UpstreamTimeout),
		slog.Int("Upstream Mark", c.UpstreamMark),
		slog.String("MitM Hostname", c.MitM.Hostname),
		slog.Bool("MitM Insecure Skip Verify", c.MitM.InsecureSkipVerify),
		slog.String("API Server", c.APIServer),
		slog.Int("Rules", len(c.Rules)),
	)
}
