package command

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/lockmesh-go/internal/infra/buildinfo"
	"github.com/yndnr/lockmesh-go/internal/infra/confloader"
	"github.com/yndnr/lockmesh-go/internal/infra/shutdown"
	"github.com/yndnr/lockmesh-go/internal/server/config"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
)

// RunCommand starts a node and blocks until it is signalled to stop.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a lockmesh node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the node configuration file",
				EnvVars: []string{"LOCKMESH_CONFIG"},
			},
			&cli.IntFlag{
				Name:  "node-id",
				Usage: "override node.id from the configuration",
				Value: -1,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level from the configuration",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "reload the log level when the configuration file changes",
				Value: true,
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	loader := newLoader(c)
	cfg, err := loadConfig(loader)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	nodeID := cfg.Node.ID
	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
		NodeID: &nodeID,
	})
	slog.SetDefault(log)

	info := buildinfo.Get()
	log.Info("starting lockmesh-node",
		"version", info.Version,
		"commit", info.Commit,
		"protocol", info.Protocol,
		"config", loader.FilePath())

	sd := shutdown.NewHandler(cfg.DLM.LeaveTimeout+cfg.Heartbeat.Timeout, log)
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := StartNode(ctx, cfg, log, sd, os.Stderr); err != nil {
		return err
	}

	if c.Bool("watch") && loader.FilePath() != "" {
		if err := watchConfig(loader, sd, log); err != nil {
			log.Warn("config watch disabled", "error", err)
		}
	}

	if err := sd.Wait(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("node stopped")
	return nil
}

// newLoader builds a config loader from the run flags. Command-line
// overrides win over the file and the environment.
func newLoader(c *cli.Context) *confloader.Loader {
	var opts []confloader.Option
	if path := c.String("config"); path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}
	overrides := map[string]any{}
	if id := c.Int("node-id"); id >= 0 {
		overrides["node.id"] = id
	}
	if lvl := c.String("log-level"); lvl != "" {
		overrides["log.level"] = lvl
	}
	if len(overrides) > 0 {
		opts = append(opts, confloader.WithOverrides(overrides))
	}
	return confloader.NewLoader(opts...)
}

// loadConfig loads defaults, then the loader's sources, and verifies the
// result.
func loadConfig(loader *confloader.Loader) (*config.NodeConfig, error) {
	cfg := config.Default()
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// watchConfig applies log level changes from the configuration file.
// Other settings take effect on restart.
func watchConfig(loader *confloader.Loader, sd *shutdown.Handler, log *slog.Logger) error {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		return err
	}
	if err := w.Watch(loader.FilePath()); err != nil {
		w.Stop()
		return err
	}
	w.OnChange(func(path string) {
		cfg := config.Default()
		if err := loader.Reload(cfg); err != nil {
			log.Warn("config reload failed", "path", path, "error", err)
			return
		}
		if err := config.Verify(cfg); err != nil {
			log.Warn("reloaded config is invalid", "path", path, "error", err)
			return
		}
		if cfg.Log.Level != logger.GetLevel() {
			logger.SetLevel(cfg.Log.Level)
			log.Info("log level changed", "level", cfg.Log.Level)
		}
	})
	w.StartAsync()
	sd.OnShutdown("config watcher", func(context.Context) error { return w.Stop() })
	return nil
}
