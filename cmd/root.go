package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowstub/flowstub/internal/api"
	"github.com/flowstub/flowstub/internal/config"
	"github.com/flowstub/flowstub/internal/log"
	"github.com/flowstub/flowstub/internal/mitm"
	"github.com/flowstub/flowstub/internal/rewrite"
	"github.com/flowstub/flowstub/internal/rule"
	"github.com/flowstub/flowstub/internal/server/http"
	"github.com/flowstub/flowstub/internal/server/socks5"
	"github.com/flowstub/flowstub/internal/statistics"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "flowstub",
	Short: "flowstub is a rule-based HTTP(S) response substitution proxy",
	Long: "flowstub is an HTTP proxy that decrypts selected HTTPS hosts and answers " +
		"matching requests with a configured response instead of the upstream one.",
	SilenceUsage: true,
	RunE:         runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Short flags
	rootCmd.Flags().StringP("config", "c", "", "Config file path")
	rootCmd.Flags().StringP("bind", "b", "", "Bind address")
	rootCmd.Flags().IntP("port", "p", 0, "Port")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	// Long flags
	rootCmd.Flags().Int("socks5-port", 0, "Also accept SOCKS5 clients on this port (0 = disabled)")
	rootCmd.Flags().String("mitm-hostname", "", "Comma separated hosts to decrypt (glob, optional :port)")
	rootCmd.Flags().String("ca-p12", "", "Base64-encoded PKCS#12 CA bundle")
	rootCmd.Flags().String("ca-passphrase", "", "Passphrase of the PKCS#12 CA bundle")
	rootCmd.Flags().Bool("insecure", false, "Skip upstream TLS verification")
	rootCmd.Flags().Int64("max-body-size", 0, "Max decoded body bytes scanned by rules (0 = unlimited)")
	rootCmd.Flags().Bool("early-request-match", true, "Answer request-only rules before contacting the upstream")
	rootCmd.Flags().Int("upstream-mark", 0, "SO_MARK for upstream sockets (Linux)")
	rootCmd.Flags().Duration("upstream-timeout", 0, "Upstream response header timeout")
	rootCmd.Flags().String("api-server", "", "Control API listen address")
	rootCmd.Flags().String("api-secret", "", "Control API bearer secret")
	rootCmd.Flags().String("rules", "", "Rules as a JSON array")
	rootCmd.Flags().Bool("no-stats", false, "Disable the rewrite statistics dump")

	// Bind all flags to viper using consistent key names
	_ = viper.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("bind-address", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("socks5-port", rootCmd.Flags().Lookup("socks5-port"))
	_ = viper.BindPFlag("mitm.hostname", rootCmd.Flags().Lookup("mitm-hostname"))
	_ = viper.BindPFlag("mitm.ca-p12", rootCmd.Flags().Lookup("ca-p12"))
	_ = viper.BindPFlag("mitm.ca-passphrase", rootCmd.Flags().Lookup("ca-passphrase"))
	_ = viper.BindPFlag("mitm.insecure-skip-verify", rootCmd.Flags().Lookup("insecure"))
	_ = viper.BindPFlag("max-body-size", rootCmd.Flags().Lookup("max-body-size"))
	_ = viper.BindPFlag("early-request-match", rootCmd.Flags().Lookup("early-request-match"))
	_ = viper.BindPFlag("upstream-mark", rootCmd.Flags().Lookup("upstream-mark"))
	_ = viper.BindPFlag("upstream-timeout", rootCmd.Flags().Lookup("upstream-timeout"))
	_ = viper.BindPFlag("api-server", rootCmd.Flags().Lookup("api-server"))
	_ = viper.BindPFlag("api-server-secret", rootCmd.Flags().Lookup("api-secret"))
	_ = viper.BindPFlag("rules-json", rootCmd.Flags().Lookup("rules"))

	// Bind environment variables: FLOWSTUB_MITM_HOSTNAME, FLOWSTUB_LOG_LEVEL, ...
	viper.SetEnvPrefix("FLOWSTUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("rules-json", "FLOWSTUB_RULES")
}

func initConfig() {
	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}
	config.SetDefaults()
}

func runRoot(cmd *cobra.Command, args []string) error {
	if showVer, _ := cmd.Flags().GetBool("version"); showVer {
		fmt.Printf("flowstub version %s\n", AppVersion)
		return nil
	}

	if genConfig, _ := cmd.Flags().GetBool("generate-config"); genConfig {
		if _, err := config.GenerateTemplateConfig(true); err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Println("Template config file 'config.yaml' generated successfully.")
		return nil
	}

	if noStats, _ := cmd.Flags().GetBool("no-stats"); noStats {
		viper.Set("stats", false)
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	broadcaster := log.NewBroadcaster()
	log.SetLogConf(cfg.LogLevel, broadcaster)
	log.LogHeader(AppVersion, cfg)

	engine, err := rule.NewEngine(cfg.Rules)
	if err != nil {
		return fmt.Errorf("rule.NewEngine: %w", err)
	}
	for _, r := range engine.Rules() {
		slog.Info("Rule loaded", slog.Any("rule", r))
	}

	dumpFile := ""
	if cfg.Stats {
		dumpFile = log.GetStatsFilePath("rewrite_stats")
	}
	recorder := statistics.NewRecorder(dumpFile)
	recorder.Start()
	addShutdown("recorder.Close", func() error {
		recorder.Close()
		return nil
	})

	mm, ca, err := setupMitM(cfg)
	if err != nil {
		shutdown()
		return err
	}

	hook := rewrite.NewInterceptor(engine, recorder, cfg.EarlyRequestMatch)
	srv := http.New(cfg, hook, mm)
	if err := srv.Start(); err != nil {
		slog.Error("srv.Start", slog.Any("error", err))
		shutdown()
		return err
	}
	addShutdown("srv.Close", srv.Close)

	if cfg.SOCKS5Addr != "" {
		socksServer := socks5.New(cfg.SOCKS5Addr, srv)
		if err := socksServer.Start(); err != nil {
			slog.Error("socksServer.Start", slog.Any("error", err))
			shutdown()
			return err
		}
		addShutdown("socksServer.Close", socksServer.Close)
	}

	if cfg.APIServer != "" {
		apiServer := api.New(cfg.APIServer, api.Options{
			Version:     AppVersion,
			Config:      cfg,
			Rules:       engine,
			Recorder:    recorder,
			CA:          ca,
			Broadcaster: broadcaster,
		})
		if err := apiServer.Start(); err != nil {
			slog.Error("apiServer.Start", slog.Any("error", err))
			shutdown()
			return err
		}
		addShutdown("apiServer.Close", apiServer.Close)
	}

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		s := <-cleanup
		slog.Info("Received signal", slog.String("signal", s.String()))
		switch s {
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			shutdown()
			return nil
		case syscall.SIGHUP:
			// Rules are not reloaded at runtime.
		default:
			return nil
		}
	}
}

// setupMitM returns a nil MiddleMan when no hostname is configured; every
// CONNECT is then relayed.
func setupMitM(cfg *config.Config) (*mitm.MiddleMan, *mitm.CA, error) {
	if strings.TrimSpace(cfg.MitM.Hostname) == "" {
		slog.Warn("No MitM hostname configured, HTTPS traffic will not be inspected")
		return nil, nil, nil
	}

	filter, err := mitm.NewHostnameFilter(cfg.MitM.Hostname)
	if err != nil {
		return nil, nil, fmt.Errorf("mitm.NewHostnameFilter: %w", err)
	}
	ca, generated, err := mitm.LoadOrGenerateCA(cfg.MitM.CAP12, cfg.MitM.CAPassphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("mitm.LoadOrGenerateCA: %w", err)
	}
	if generated {
		slog.Warn("No CA configured, generated an ephemeral one; clients must trust it to connect",
			slog.String("subject", ca.Certificate.Subject.CommonName))
	}
	if cfg.MitM.InsecureSkipVerify {
		slog.Warn("Upstream TLS verification disabled")
	}
	slog.Info("MitM enabled", slog.String("hostname", filter.String()))
	return mitm.NewMiddleMan(mitm.NewCertManager(ca), filter), ca, nil
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	shutdownChain = nil
	slog.Info("flowstub exit")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
