package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_multidevice/internal/config"
	"e2e_multidevice/internal/service/app"
	"e2e_multidevice/internal/storage"
	"e2e_multidevice/internal/storage/memory"
	"e2e_multidevice/internal/storage/mongostore"
	"e2e_multidevice/internal/utils/log"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var (
	configPath string
	profile    string
	serverURL  string
	storeKind  string

	cfg    config.Client
	client *app.App
	closer func()

	restoreStdLog func()
)

func execute() error {
	root := &cobra.Command{
		Use:           "client",
		Short:         "End-to-end encrypted multi-device messaging client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadClient(configPath)
			if err != nil {
				return err
			}
			if profile != "" {
				cfg.Profile = profile
			}
			if serverURL != "" {
				cfg.Server = serverURL
			}
			if storeKind != "" {
				cfg.Store = storeKind
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}
			restoreStdLog = zap.RedirectStdLog(log.L())

			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			closer = closeStore
			client, err = app.NewApp(cfg, store)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if closer != nil {
				closer()
			}
			_ = log.Sync()
			if restoreStdLog != nil {
				restoreStdLog()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "client.toml", "path to the TOML config file")
	root.PersistentFlags().StringVar(&profile, "profile", "", "local device profile (overrides config)")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (overrides config)")
	root.PersistentFlags().StringVar(&storeKind, "store", "", "local store: memory or mongo (overrides config)")

	root.AddCommand(registerCmd(), linkCmd(), provisionCmd(), chatCmd(), sendCmd(), syncCmd(), devicesCmd(), pushCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

// openStore returns the local store of the selected profile. Each profile
// gets its own database so several devices can share one mongod.
func openStore(ctx context.Context, cfg config.Client) (storage.Store, func(), error) {
	if cfg.Store == "memory" {
		return memory.New(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mc, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := mc.Ping(connectCtx, nil); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := mc.Database(cfg.Mongo.Database + "_" + cfg.Profile)
	return mongostore.New(db), func() {
		if err := mc.Disconnect(context.Background()); err != nil {
			log.Warn("disconnect mongo", zap.Error(err))
		}
	}, nil
}
