package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_multidevice/internal/config"
	"e2e_multidevice/internal/repository/account"
	redisSvc "e2e_multidevice/internal/service/redis"
	"e2e_multidevice/internal/service/server"
	"e2e_multidevice/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath string
		listen     string
	)
	root := &cobra.Command{
		Use:           "server",
		Short:         "Message transport server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "server.toml", "path to the TOML config file")
	root.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server) error {
	var accounts account.Repo = account.NewMemoryRepo()
	if cfg.Store == "mongo" {
		mc, err := initMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return err
		}
		defer func() { _ = mc.Disconnect(context.Background()) }()
		accounts = account.NewMongoRepo(mc.Database(cfg.Mongo.Database))
	}

	var (
		queue server.MessageQueue
		blobs server.BlobStore
	)
	switch cfg.Queue {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		r := redisSvc.NewRedis(rdb, cfg.AttachmentTTL.Duration)
		queue, blobs = r, r
	default:
		m := server.NewMemoryQueue()
		queue, blobs = m, m
	}

	if cfg.AttachmentSecret == "" {
		log.Warn("attachment_secret not set, using a random per-process secret")
	}

	s := server.NewHttpServer(accounts, queue, blobs, server.Options{
		AttachmentSecret: []byte(cfg.AttachmentSecret),
		AttachmentTTL:    cfg.AttachmentTTL.Duration,
		MaxAttachment:    cfg.MaxAttachment,
	})
	log.Info("server starting", zap.String("listen", cfg.Listen), zap.String("store", cfg.Store), zap.String("queue", cfg.Queue))
	return s.Run(ctx, cfg.Listen)
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
