package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/marcogenualdo/oidc-rp/internal/auth/oidc"
	"github.com/marcogenualdo/oidc-rp/internal/cache"
	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/internal/provider"
	"github.com/marcogenualdo/oidc-rp/internal/server"
	"github.com/marcogenualdo/oidc-rp/pkg/security"
)

const (
	version           = "1.0.0"
	defaultConfigPath = "/etc/oidc-rp/config.yaml"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	root := &cobra.Command{
		Use:          "oidc-rp",
		Short:        "OpenID Connect relying party with sessions and single sign-out",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env file is fine; secrets may come from the real environment.
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with secrets, loaded if present")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the relying party server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and every provider without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			registry, err := provider.NewRegistry()
			if err != nil {
				return err
			}
			instances, err := provider.Build(cfg, registry, nil)
			if err != nil {
				return fmt.Errorf("invalid providers: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d provider(s)\n", len(instances))
			return nil
		},
	}

	genkey := &cobra.Command{
		Use:   "genkey",
		Short: "Print freshly generated secrets in dotenv format",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenKey := make([]byte, security.TokenKeyLength)
			if _, err := rand.Read(tokenKey); err != nil {
				return err
			}
			sessionSecret, err := security.GenerateRandomString(32)
			if err != nil {
				return err
			}
			authSecret, err := security.GenerateRandomString(32)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s=%s\n", config.EnvTokenKey, base64.StdEncoding.EncodeToString(tokenKey))
			fmt.Fprintf(out, "%s=%s\n", config.EnvSessionSecret, sessionSecret)
			fmt.Fprintf(out, "%s=%s\n", config.EnvAuthSessionSecret, authSecret)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "oidc-rp v%s\n", version)
		},
	}

	root.AddCommand(serve, validate, genkey, versionCmd)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting oidc-rp", "version", version)

	client := oidc.NewClient(nil, cfg.Server.ProviderTimeout, logger)

	registry, err := provider.NewRegistry()
	if err != nil {
		return fmt.Errorf("failed to load provider presets: %w", err)
	}
	providers, err := provider.Build(cfg, registry, client.HTTPClient())
	if err != nil {
		return fmt.Errorf("invalid providers: %w", err)
	}
	for id, inst := range providers {
		logger.Info("provider initialized", "id", id, "preset", inst.Preset)
	}

	store, err := cache.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	logger.Info("store initialized", "type", cfg.Storage.Type)

	srv, err := server.New(*cfg, store, providers, client, logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start()
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
