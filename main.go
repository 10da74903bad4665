package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"rolesync/server"
)

const defaultConfigPath = "./rolesync.yaml"

// errDenied makes the process exit 1 without printing anything else.
var errDenied = errors.New("permission denied")

func main() {
	root := newRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errDenied) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	logLevel   string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "rolesync",
		Short: "Local session and role reconciliation for BaaS and OIDC identities",
		Long: `rolesync logs in against a PocketBase-style backend, keeps the session on
disk, and answers role and permission questions for local tools, either from
the command line or over a small loopback HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	envConfig := os.Getenv("ROLESYNC_CONFIG")
	if envConfig == "" {
		envConfig = defaultConfigPath
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", envConfig, "Path to YAML config")
	root.PersistentFlags().StringVarP(&c.logLevel, "log-level", "l", "warn", "Logging level (debug, info, warn, error)")

	root.AddCommand(
		c.loginCmd("login", "Log in as a regular user", false),
		c.loginCmd("admin-login", "Log in as a superuser", true),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.rolesCmd(),
		c.checkCmd(),
		c.tokenCmd(),
		c.serveCmd(),
		c.configCmd(),
	)
	return root
}

func (c *cli) logger() (*slog.Logger, error) {
	level, err := parseLogLevel(c.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.logLevel, err)
	}
	return slog.New(slog.NewJSONHandler(c.stderr, &slog.HandlerOptions{Level: level})), nil
}

// withApp loads config, builds the app, restores the stored session and runs
// fn. The app is closed afterwards.
func (c *cli) withApp(ctx context.Context, fn func(context.Context, *server.App) error) error {
	logger, err := c.logger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c.configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close storage failed", "error", err)
		}
	}()

	app.Boot(ctx)
	return fn(ctx, app)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API on the configured loopback address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return c.withApp(ctx, func(ctx context.Context, app *server.App) error {
				return serve(ctx, app)
			})
		},
	}
}

func serve(ctx context.Context, app *server.App) error {
	srv := &http.Server{
		Addr:         app.Config.Server.ListenAddr,
		Handler:      app.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	app.Logger.Info("server listening", "addr", srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := c.logger()
			if err != nil {
				return err
			}
			if err := runConfigInit(c.configPath); err != nil {
				return fmt.Errorf("config init failed: %w", err)
			}
			logger.Info("configuration initialized successfully", "path", c.configPath)
			fmt.Fprintf(c.stdout, "wrote %s\n", c.configPath)
			return nil
		},
	}, &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := c.logger()
			if err != nil {
				return err
			}
			if err := runConfigValidate(cmd.Context(), c.configPath, logger); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Fprintf(c.stdout, "%s is valid\n", c.configPath)
			return nil
		},
	})
	return cmd
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if path == defaultConfigPath {
				logger.Debug("no config file, using defaults and environment", "path", path)
				return server.LoadConfig("")
			}
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'rolesync config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	return writeConfigFile(path, server.DefaultConfig())
}

func runConfigValidate(ctx context.Context, path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Reachability problems are reported but do not fail validation.
	health := strings.TrimSuffix(cfg.BaaS.URL, "/") + "/api/health"
	if err := validateURL(ctx, health); err != nil {
		logger.Warn("baas may not be reachable", "url", health, "error", err)
	} else {
		logger.Info("baas is reachable", "url", cfg.BaaS.URL)
	}
	if cfg.External.Enabled {
		wellKnown := strings.TrimSuffix(cfg.External.Issuer, "/") + "/.well-known/openid-configuration"
		if err := validateURL(ctx, wellKnown); err != nil {
			logger.Warn("external provider may not be reachable", "issuer", cfg.External.Issuer, "url", wellKnown, "error", err)
		} else {
			logger.Info("external provider is reachable", "issuer", cfg.External.Issuer)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
