// ebs-agent runs on a point-of-sale machine. It keeps a local SQLite
// replica usable offline and synchronizes it with the central server:
// run starts the continuous loop, sync performs a single cycle, and
// status reports the local queue and watermarks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/config"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/localstore"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/syncer"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "ebs-agent",
		Short:         "Offline-first sync agent for EBS Lite",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	cmd.AddCommand(newRunCommand(&configPath))
	cmd.AddCommand(newSyncCommand(&configPath))
	cmd.AddCommand(newStatusCommand(&configPath))
	return cmd
}

type agentEnv struct {
	cfg    *config.Config
	logger *zap.Logger
	local  *localstore.Store
	sync   *syncer.Syncer
	scope  erpsync.Scope
}

func buildAgent(configPath string) (*agentEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateAgent(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, err
	}
	local, err := localstore.Open(cfg.Agent.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	scope := erpsync.Scope{CompanyID: cfg.Agent.CompanyID, LocationID: cfg.Agent.LocationID}
	client := syncer.NewHTTPClient(cfg.Agent.ServerURL, syncer.StaticToken(cfg.Agent.Token),
		&http.Client{Timeout: cfg.Agent.RequestTimeout})
	engine, err := syncer.New(local, client, syncer.Options{
		Scope:         scope,
		Tables:        cfg.Agent.Tables,
		PageSize:      cfg.Agent.PageSize,
		WindowDays:    cfg.Agent.WindowDays,
		Interval:      cfg.Agent.Interval,
		ProbeInterval: cfg.Agent.ProbeInterval,
		Logger:        logger,
	})
	if err != nil {
		_ = local.Close()
		return nil, err
	}
	return &agentEnv{cfg: cfg, logger: logger, local: local, sync: engine, scope: scope}, nil
}

func (a *agentEnv) close() {
	_ = a.local.Close()
	_ = a.logger.Sync()
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the continuous sync loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := buildAgent(*configPath)
			if err != nil {
				return err
			}
			defer agent.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if agent.cfg.Agent.WatchDB {
				go func() {
					if err := agent.sync.WatchLocal(ctx, 0); err != nil && ctx.Err() == nil {
						agent.logger.Warn("database watch stopped", zap.Error(err))
					}
				}()
			}

			agent.logger.Info("agent started",
				zap.String("scope", agent.scope.String()),
				zap.String("server", agent.cfg.Agent.ServerURL),
				zap.String("db", agent.cfg.Agent.DBPath))
			if err := agent.sync.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			agent.logger.Info("agent stopped")
			return nil
		},
	}
}

func newSyncCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := buildAgent(*configPath)
			if err != nil {
				return err
			}
			defer agent.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			result, err := agent.sync.SyncOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("pulled=%d merged=%d pushed=%d rejected=%d retained=%d\n",
				result.Pulled, result.Merged, result.Pushed, result.Rejected, result.Retained)
			return nil
		},
	}
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and pull watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := buildAgent(*configPath)
			if err != nil {
				return err
			}
			defer agent.close()

			ctx := cmd.Context()
			depth, err := agent.local.QueueDepth(ctx, agent.scope)
			if err != nil {
				return err
			}
			fmt.Printf("scope: %s\n", agent.scope.String())
			fmt.Printf("pending changes: %d\n", depth)
			tables := agent.cfg.Agent.Tables
			if len(tables) == 0 {
				tables = erpsync.TableNames()
			}
			for _, table := range tables {
				mark, ok, err := agent.local.Watermark(ctx, table, agent.scope)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Printf("%s: never synced\n", table)
					continue
				}
				fmt.Printf("%s: synced through %s\n", table, mark.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}
