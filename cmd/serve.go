package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/synthlab/chatgate/internal/chat"
	"github.com/synthlab/chatgate/internal/command"
	"github.com/synthlab/chatgate/internal/config"
	"github.com/synthlab/chatgate/internal/gateway"
	"github.com/synthlab/chatgate/internal/generate"
	"github.com/synthlab/chatgate/internal/research"
	"github.com/synthlab/chatgate/internal/store"
	"github.com/synthlab/chatgate/internal/tracing"
	"github.com/synthlab/chatgate/internal/vector"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("trace exporter shutdown failed", "err", err)
			}
		}()
	}

	registry, err := config.BuildRegistry(cfg.Models)
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	db, err := store.OpenDB(cfg.Database.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	conversations := store.NewConversationStore(rdb, registry)
	rooms := store.NewRoomStore(db)
	messages := chat.NewMessages(conversations)

	pool := generate.NewPool(cfg.Gateway.LocalWorkers, 0)
	go pool.Run(ctx)
	dispatcher := generate.NewDispatcher(messages, pool)

	// vectors stays nil (not a nil *Store) when Qdrant is off, so the
	// gateway's nil checks keep working
	var vectors vector.Index
	if cfg.Qdrant.Enabled {
		embedder := vector.NewOpenAIEmbedder(
			cfg.Embeddings.APIURL, cfg.Embeddings.APIKey,
			cfg.Embeddings.Model, cfg.Embeddings.Dimensions)
		vs, err := vector.NewStore(ctx, cfg.Qdrant.Host, cfg.Qdrant.Port, embedder, cfg.Qdrant.Collection)
		if err != nil {
			return fmt.Errorf("open vectorstore: %w", err)
		}
		defer vs.Close()
		vectors = vs
	}

	var primer gateway.ContextPrimer
	if cfg.Research.Enabled {
		primer = research.NewFeed(
			cfg.Research.BaseURL, cfg.Research.Email, cfg.Research.Password,
			rooms, vectors, rdb)
	}

	commands := command.NewRegistry(&command.Deps{
		Conversations: conversations,
		Rooms:         rooms,
		Messages:      messages,
		Vectors:       vectors,
		Models:        registry,
	})

	auth, err := gateway.NewTokenAuthenticator(cfg.Gateway.AuthHeader, cfg.Gateway.CipherKey)
	if err != nil {
		return fmt.Errorf("setup auth: %w", err)
	}

	gw := &gateway.Gateway{
		Rooms:         rooms,
		Conversations: conversations,
		Messages:      messages,
		Dispatcher:    dispatcher,
		Commands:      commands,
		Vectors:       vectors,
		Research:      primer,
		Files:         &gateway.TextFileParser{},
		RatePerMinute: cfg.Gateway.RateLimitRPM,
		QueueSize:     cfg.Gateway.QueueSize,
	}

	srv := gateway.NewServer(cfg.Gateway.Addr(), gw, auth)
	slog.Info("starting chatgate", "version", Version, "addr", cfg.Gateway.Addr(),
		"models", registry.Names(), "qdrant", cfg.Qdrant.Enabled, "research", cfg.Research.Enabled)
	return srv.Start(ctx)
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
