// Command flowengine runs the flow execution engine: the operator REST API,
// the MCP tool server and the maintenance commands around them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rendis/flowengine/internal/api"
	"github.com/rendis/flowengine/internal/diagram"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/internal/validation"
	"github.com/rendis/flowengine/pkg/mcp"
	"github.com/rendis/flowengine/pkg/schema"
)

type cli struct {
	v          *viper.Viper
	configFile string

	mu     sync.Mutex
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger
}

func newCLI() *cli {
	return &cli{v: viper.New(), level: new(slog.LevelVar)}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "flowengine",
		Short:             "Conversational automation flow engine",
		SilenceUsage:      true,
		PersistentPreRunE: c.setupConfig,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "path to config file (default: ~/.flowengine/flowengine.yaml)")
	pf.String("db-path", "", "database path")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	c.bindFlag("db_path", pf.Lookup("db-path"))
	c.bindFlag("log_level", pf.Lookup("log-level"))
	c.bindFlag("log_format", pf.Lookup("log-format"))

	root.AddCommand(c.serveCmd(), c.mcpCmd(), c.migrateCmd(), c.validateCmd(), diagramCmd(), versionCmd())
	return root
}

func (c *cli) bindFlag(key string, f *pflag.Flag) {
	if err := c.v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func (c *cli) setupConfig(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(c.v, c.configFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.level.Set(logging.ParseLevel(cfg.LogLevel))
	// stdout belongs to command output and the MCP stdio transport.
	c.logger = logging.NewLeveled(os.Stderr, c.level, cfg.LogFormat)
	slog.SetDefault(c.logger)
	return nil
}

// watchConfig applies log level changes from the config file while the
// process runs and reports changes that need a restart.
func (c *cli) watchConfig() {
	if c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decodeConfig(c.v)
		if err != nil {
			c.logger.Warn("config reload rejected", slog.String("file", e.Name), slog.String("error", err.Error()))
			return
		}

		c.mu.Lock()
		diff := diffConfigs(c.cfg, next)
		c.cfg = next
		c.mu.Unlock()

		if diff.LogLevelChanged {
			c.level.Set(logging.ParseLevel(next.LogLevel))
			c.logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(diff.RestartNeeded) > 0 {
			c.logger.Warn("config changes need a restart", slog.Any("keys", diff.RestartNeeded))
		}
	})
	c.v.WatchConfig()
}

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the operator REST API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().String("listen-addr", ":4200", "HTTP listen address")
	cmd.Flags().String("redis-url", "", "redis URL for the durable timer queue (empty: store sweeper only)")
	cmd.Flags().String("gateway-url", "", "base URL of the collaborator gateway")
	c.bindFlag("listen_addr", cmd.Flags().Lookup("listen-addr"))
	c.bindFlag("redis_url", cmd.Flags().Lookup("redis-url"))
	c.bindFlag("gateway.url", cmd.Flags().Lookup("gateway-url"))
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg
	a, err := buildApp(ctx, cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.timers.Start(ctx, a.engine.Fire); err != nil {
		return err
	}
	defer a.timers.Stop()

	if err := a.restore(ctx); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = a.scheduler.Stop() }()
	}
	go a.purgeLoop(ctx)
	go a.readvanceLoop(ctx)
	c.watchConfig()

	srv := api.NewServer(api.Deps{
		Runs:   a.engine,
		Flows:  a.flows,
		Events: a.dispatcher,
		Hub:    a.hub,
		Logger: c.logger,

		AllowedOrigins: cfg.CORSOrigins,
	})
	c.logger.Info("flowengine serving", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
	return srv.ListenAndServe(ctx, cfg.ListenAddr)
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Long: "Serve the flow.status, flow.cancel, flow.query, flow.emit, flow.define and flow.diagram tools over stdio. " +
			"Runs started here suspend at their waits; a serve process fires their timers.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			s := mcp.NewFlowServer(mcp.FlowServerDeps{
				Runs:   a.engine,
				Flows:  a.flows,
				Events: a.dispatcher,
				Hub:    a.hub,
				Logger: c.logger,
			})
			return s.Serve(ctx)
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			v, err := s.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			c.logger.Info("database migrated", slog.String("db_path", c.cfg.DBPath), slog.Int("schema_version", v))
			return nil
		},
	}
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flow.json>...",
		Short: "Validate flow definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engines, err := expressions.NewEngines()
			if err != nil {
				return err
			}
			v, err := validation.NewFlowValidator(engines)
			if err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				ok, err := validateFile(cmd.OutOrStdout(), v, path)
				if err != nil {
					return err
				}
				if !ok {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d flow definitions are invalid", failed, len(args))
			}
			return nil
		},
	}
}

// validateReport is what validate prints per file.
type validateReport struct {
	File     string                   `json:"file"`
	Valid    bool                     `json:"valid"`
	Errors   []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

func validateFile(w io.Writer, v *validation.FlowValidator, path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	_, res := v.Parse(raw)
	report := validateReport{File: path, Valid: res.Valid(), Errors: res.Errors, Warnings: res.Warnings}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return report.Valid, enc.Encode(report)
}

func diagramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagram <flow.json>",
		Short: "Print a flow definition as a Mermaid flowchart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := validation.NewFlowValidator(nil)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, res := v.Parse(raw)
			if def == nil {
				return res.ToError()
			}
			model, err := diagram.Build(def)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			return err
		},
	}
}

func main() {
	if err := newCLI().rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
