package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"conversation-service/internal/auth"
	"conversation-service/internal/clock"
	"conversation-service/internal/cluster"
	"conversation-service/internal/config"
	"conversation-service/internal/db"
	grpcclient "conversation-service/internal/grpc"
	"conversation-service/internal/lockmap"
	"conversation-service/internal/logging"
	"conversation-service/internal/media"
	"conversation-service/internal/observability"
	"conversation-service/internal/pipeline"
	"conversation-service/internal/presence"
	"conversation-service/internal/rabbitmq"
	"conversation-service/internal/repositories"
	"conversation-service/internal/server"
	"conversation-service/internal/telemetry"
	"conversation-service/internal/users"
	"conversation-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	logging.Setup(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, "conversation-service", cfg.Environment)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.Info().Str("mode", rabbitmq.PublisherMode(publisher)).Str("reason", rabbitmq.PublisherNoopReason(publisher)).Msg("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, "conversation-service", cfg.Environment)

	convs, messages, closeStore := openStore(ctx, cfg)
	defer closeStore()

	var upstream users.Directory
	if cfg.UserGRPCAddr != "" {
		userConn, err := grpcclient.Dial(cfg.UserGRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to user grpc")
		}
		defer userConn.Close()
		upstream = grpcclient.NewUserClient(userConn)
	}
	names := users.NewMemo(upstream)

	var resolver auth.Resolver
	if cfg.AuthGRPCAddr != "" {
		authConn, err := grpcclient.Dial(cfg.AuthGRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to auth grpc")
		}
		defer authConn.Close()
		resolver = grpcclient.NewAuthClient(authConn)
	} else {
		resolver = auth.NewJWTResolver(cfg.JWTSecret)
	}
	resolver = names.Wrap(resolver)

	clk := clock.Real()
	locks := lockmap.New()
	hub := ws.NewHub(convs)

	if cfg.RedisURL != "" {
		redisClient, err := cluster.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		relay := cluster.NewRedisRelay(redisClient, uuid.NewString())
		hub.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx, hub); err != nil {
				log.Error().Err(err).Msg("cluster relay stopped")
			}
		}()
	}

	messagePipeline := pipeline.New(convs, messages, hub, locks, clk, audit, pipeline.Options{
		MaxMessageLength: cfg.MaxMessageLength,
		PersistTimeout:   cfg.PersistTimeout,
	})
	coordinator := presence.NewCoordinator(hub, convs, messages, locks, clk, presence.Options{
		TypingTTL:     cfg.TypingTTL,
		SweepInterval: cfg.TypingSweepInterval,
	})
	go coordinator.Run(ctx)

	store, mediaDir := openMediaStore(cfg)
	uploader := media.NewUploader(store, media.Policy{
		MaxBytes: cfg.MaxAttachmentBytes,
		Allowed:  cfg.AllowedMediaTypes,
	}, cfg.UploadTimeout)

	router := server.NewRouter(server.Deps{
		Conversations:      convs,
		Messages:           messages,
		Resolver:           resolver,
		Directory:          names,
		Hub:                hub,
		Pipeline:           messagePipeline,
		Presence:           coordinator,
		Uploader:           uploader,
		Audit:              audit,
		Clock:              clk,
		Connection:         ws.ConnectionOptions{QueueSize: cfg.SendQueueSize, WriteTimeout: cfg.WriteTimeout},
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		MediaDir:           mediaDir,
		DebugRoutes:        cfg.DebugRoutes,
	})

	if err := server.Serve(ctx, ":"+cfg.Port, router, 10*time.Second); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (repositories.ConversationRepository, repositories.MessageRepository, func()) {
	switch cfg.DBDriver {
	case "mongo":
		store, err := repositories.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mongo")
		}
		return store, store, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		}
	case "memory":
		log.Warn().Msg("using in-memory store, data is lost on restart")
		store := repositories.NewMemoryStore()
		return store, store, func() {}
	default:
		database, err := db.Connect(cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to db")
		}
		return repositories.NewConversationRepo(database), repositories.NewMessageRepo(database), func() { _ = database.Close() }
	}
}

// openMediaStore returns the content store and, for the local backend, the
// directory to serve under /media.
func openMediaStore(cfg config.Config) (media.Store, string) {
	if cfg.MediaBackend == "cloudinary" {
		store, err := media.NewCloudinaryStore(cfg.CloudinaryURL, cfg.CloudinaryFolder)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure cloudinary")
		}
		return store, ""
	}
	store, err := media.NewLocalStore(cfg.MediaDir, cfg.MediaBaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare media directory")
	}
	return store, store.Dir()
}
