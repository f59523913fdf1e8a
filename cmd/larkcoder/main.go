package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	larksdk "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/spf13/cobra"

	"github.com/larkcoder/larkcoder/internal/agent/process"
	"github.com/larkcoder/larkcoder/internal/config"
	"github.com/larkcoder/larkcoder/internal/database"
	"github.com/larkcoder/larkcoder/internal/lark"
	"github.com/larkcoder/larkcoder/internal/logging"
	"github.com/larkcoder/larkcoder/internal/orchestrator"
	"github.com/larkcoder/larkcoder/internal/store"
)

func main() {
	var (
		configPath string
		logLevel   string
		initConfig bool
		force      bool
	)

	rootCmd := &cobra.Command{
		Use:           "larkcoder",
		Short:         "Lark/Feishu chat frontend for ACP coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if initConfig {
				path := configPath
				if path == "" {
					path = config.DefaultPath
				}
				if err := config.WriteStarter(path, force); err != nil {
					return err
				}
				fmt.Printf("Wrote starter config to %s\n", path)
				return nil
			}
			return run(cmd.Context(), configPath, logLevel)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file (default: CONFIG_PATH or "+config.DefaultPath+")")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "trace, debug, info, warn, error, or fatal (default: LOG_LEVEL or info)")
	rootCmd.Flags().BoolVarP(&initConfig, "init", "i", false, "write a starter config file and exit")
	rootCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file with --init")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, logLevel string) error {
	if logLevel == "" {
		logLevel = os.Getenv("LOG_LEVEL")
	}
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log := logging.New(level)

	cfg, err := config.Parse(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	var clientOpts []larksdk.ClientOptionFunc
	if cfg.Lark.BaseDomain != "" {
		clientOpts = append(clientOpts, larksdk.WithOpenBaseUrl(cfg.Lark.BaseDomain))
	}
	messenger := lark.NewSDKMessenger(larksdk.NewClient(cfg.Lark.AppID, cfg.Lark.AppSecret, clientOpts...))

	procs := process.NewManager(log, cfg.Agent.Command, cfg.Agent.Args)
	orch := orchestrator.New(log, cfg, store.New(db), messenger, messenger, procs)
	defer orch.Shutdown(context.Background())

	gw := lark.NewGateway(log, lark.GatewayConfig{
		AppID:             cfg.Lark.AppID,
		AppSecret:         cfg.Lark.AppSecret,
		BaseDomain:        cfg.Lark.BaseDomain,
		VerificationToken: cfg.Lark.VerificationToken,
		EventEncryptKey:   cfg.Lark.EventEncryptKey,
		BotOpenID:         cfg.Lark.BotOpenID,
	}, orch)

	log.Info("starting", "transport", cfg.Agent.Transport, "work_dir", cfg.Agent.WorkDir)
	if err := gw.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("event stream: %w", err)
	}
	log.Info("shutting down")
	return nil
}
