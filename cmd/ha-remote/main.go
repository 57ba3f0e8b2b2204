// Package main provides the entry point for the ha-remote bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/zorak1103/ha-remote/configs"
	"github.com/zorak1103/ha-remote/internal/config"
	"github.com/zorak1103/ha-remote/internal/hub"
	"github.com/zorak1103/ha-remote/internal/logging"
	"github.com/zorak1103/ha-remote/internal/metrics"
	"github.com/zorak1103/ha-remote/internal/remote"
	"github.com/zorak1103/ha-remote/internal/server"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// App holds the CLI application state and dependencies.
type App struct {
	cfgFile string
	v       *viper.Viper
	rootCmd *cobra.Command
}

// NewApp creates a new CLI application instance with all dependencies.
func NewApp() *App {
	app := &App{v: viper.New()}
	app.rootCmd = app.buildRootCmd()
	app.setupFlags()
	app.addCommands()
	return app
}

// buildRootCmd creates the root cobra command.
func (a *App) buildRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ha-remote",
		Short: "Mirror remote Home Assistant instances",
		Long: `ha-remote connects to one or more remote Home Assistant instances over
the WebSocket API and mirrors their entities into a local state store.

Service calls that target mirrored entities are forwarded to the remote
instance, and remote events are republished locally. Connection status,
mirrored states and metrics are served over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.BindFlags(a.v, cmd.Flags())
		},
		RunE: a.run,
	}
}

// setupFlags configures CLI flags. They are bound to viper before each command runs.
func (a *App) setupFlags() {
	flags := a.rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "config.yaml", "config file")
	flags.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flags.Int("port", 0, "HTTP server port")
	flags.String("location-name", "", "location name reported by the discovery view")
}

// addCommands adds subcommands to the root command.
func (a *App) addCommands() {
	a.rootCmd.AddCommand(a.buildConfigCmd())
	a.rootCmd.AddCommand(a.buildInitCmd())
	a.rootCmd.AddCommand(a.buildCheckCmd())
}

// buildConfigCmd creates the config subcommand that displays the effective configuration.
func (a *App) buildConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration as YAML with credentials masked.

This command shows the configuration that would be used if the bridge were started,
including values from the config file, environment variables, and CLI flags.`,
		RunE: a.runConfig,
	}
}

// buildInitCmd creates the init subcommand that creates configuration files.
func (a *App) buildInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration files",
		Long: `Create configuration files in the current directory.

This command creates:
  - config.yaml: YAML configuration file
  - .env: Environment variables file

Existing files are never overwritten.`,
		RunE: a.runInit,
	}
}

// buildCheckCmd creates the check subcommand that probes every instance.
func (a *App) buildCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate credentials of every configured instance",
		Long: `Query the REST discovery endpoint of every configured remote instance.

The command reports the uuid, location name and version of each instance and
fails if any instance is unreachable or rejects the access token.`,
		RunE: a.runCheck,
	}
}

// runInit creates configuration files from embedded templates.
func (a *App) runInit(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	created := 0

	for _, f := range []struct {
		name    string
		content []byte
	}{
		{"config.yaml", configs.ConfigYAML},
		{".env", configs.EnvExample},
	} {
		wasCreated, err := writeConfigFile(out, f.name, f.content)
		if err != nil {
			return err
		}
		if wasCreated {
			created++
		}
	}

	if created == 0 {
		_, _ = fmt.Fprintln(out, "All configuration files already exist. Nothing to do.")
		return nil
	}

	_, _ = fmt.Fprintf(out, "Created %d configuration file(s) in current directory.\n", created)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. Add your remote instances to config.yaml")
	_, _ = fmt.Fprintln(out, "  2. Run 'ha-remote check' to verify the access tokens")
	_, _ = fmt.Fprintln(out, "  3. Run 'ha-remote' to start the bridge")
	return nil
}

// writeConfigFile writes content to a file if it doesn't already exist.
// Returns true if the file was created, false if it was skipped.
func writeConfigFile(out io.Writer, filename string, content []byte) (bool, error) {
	if _, err := os.Stat(filename); err == nil {
		_, _ = fmt.Fprintf(out, "Skipping %s (already exists)\n", filename)
		return false, nil
	}

	if err := os.WriteFile(filename, content, 0600); err != nil {
		return false, fmt.Errorf("writing %s: %w", filename, err)
	}

	_, _ = fmt.Fprintf(out, "Created %s\n", filename)
	return true, nil
}

// configFile returns the config path, or "" when the default file is absent.
func (a *App) configFile() string {
	if a.cfgFile == "config.yaml" {
		if _, err := os.Stat(a.cfgFile); err != nil {
			return ""
		}
	}
	return a.cfgFile
}

// runConfig loads and displays the effective configuration with masked credentials.
func (a *App) runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadForDisplay(a.v, a.configFile())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	masked := cfg.MaskedConfig()
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "# Effective configuration")
	_, err = out.Write(data)
	return err
}

// runCheck probes every configured instance through the REST discovery API.
func (a *App) runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithViper(a.v, a.configFile())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, inst := range cfg.Instances {
		instance := profileFromConfig(inst).Instance()
		info, err := discover(cmd.Context(), inst)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "FAIL %s: %v\n", instance, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "OK   %s uuid=%s location_name=%q version=%s\n",
			instance, info.UUID, info.LocationName, info.Version)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d instance(s) failed", failed, len(cfg.Instances))
	}
	return nil
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.ExecuteContext(context.Background())
}

func main() {
	app := NewApp()
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run loads the configuration and runs the bridge until a signal arrives.
func (a *App) run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithViper(a.v, a.configFile())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logLevel, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Warning: invalid log level %q, using INFO\n", cfg.Logging.Level)
		logLevel = logging.LevelInfo
	}
	logger := logging.New(logLevel)
	logging.SetDefault(logger)

	logger.Info("Starting ha-remote", "instances", len(cfg.Instances), "log_level", logging.LevelString(logLevel))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = serve(ctx, cfg, logger)
	logger.Info("Shutdown complete")
	return err
}

// serve runs every connection and the HTTP server until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	reg := metrics.NewRegistry()
	bus := hub.NewMemoryBus(logger.With("component", "bus"))
	store := hub.NewMemoryStore(bus)
	services := hub.NewMemoryServices(bus)

	conns, err := buildConnections(cfg, remote.Options{
		Store:      store,
		Bus:        bus,
		Services:   services,
		Customizer: cfg.Customizations(),
		Logger:     logger,
		Metrics:    reg.Bridge,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	views := make([]server.Connection, 0, len(conns))
	for i, c := range conns {
		inst := cfg.Instances[i]
		views = append(views, c)

		g.Go(func() error {
			annotate(gctx, c, inst, logger)
			return nil
		})
		g.Go(func() error {
			if err := c.Run(gctx); err != nil {
				logger.Error("Remote connection stopped", "instance", c.Instance(), "error", err)
			}
			return nil
		})
	}

	if cfg.Server.Enabled {
		srv := server.New(server.Config{
			Port:         cfg.Server.Port,
			LocationName: cfg.Local.LocationName,
			UUID:         cfg.Local.UUID,
		}, views, store, reg, logger.With("component", "http"))

		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("shutting down HTTP server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}
