package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

const NetflixGraphQLURL = "https://web.prod.cloud.netflix.com/graphql"

// DefaultRules answers the Netflix household-device interstitials with a
// plain 500 so the web client falls back to normal playback.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "household-notice-text",
			URLPrefix:   NetflixGraphQLURL,
			Type:        RuleTypeBodyContainsAny,
			MatchValues: []string{"您的裝置尚未設為此帳戶的同戶裝置。"},
			Action:      ActionRespond,
			Status:      http.StatusInternalServerError,
			Body:        "Internal Server Error",
			Headers:     map[string]string{"Content-Type": "text/plain"},
		},
		{
			Name:      "household-interstitial-operation",
			URLPrefix: NetflixGraphQLURL,
			Type:      RuleTypeOperationNameIn,
			MatchValues: []string{
				"CLCSInterstitialLolomo",
				"CLCSInterstitialPlaybackAndPostPlayback",
			},
			Action:  ActionRespond,
			Status:  http.StatusInternalServerError,
			Body:    "Internal Server Error",
			Headers: map[string]string{"Content-Type": "text/plain"},
		},
	}
}

func GenerateTemplateConfig(writeToFile bool) (Config, error) {
	cfg := Config{
		BindAddress: "127.0.0.1",
		Port:        8080,

		LogLevel: "info",

		MaxBodySize:       4 << 20,
		EarlyRequestMatch: true,
		UpstreamTimeout:   30 * time.Second,
		Stats:             true,

		MitM: MitMConfig{
			Hostname: "web.prod.cloud.netflix.com",
		},

		Rules: DefaultRules(),
	}

	if writeToFile {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to marshal template config to YAML: %w", err)
		}
		if err := os.WriteFile("config.yaml", data, 0644); err != nil {
			return Config{}, fmt.Errorf("failed to write template config to file: %w", err)
		}
	}
	return cfg, nil
}
