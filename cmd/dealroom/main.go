package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"google.golang.org/grpc/connectivity"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/delivery"
	"dealroom/internal/app/handlers/negotiation"
	"dealroom/internal/app/middleware"
	appoutbox "dealroom/internal/app/outbox"
	"dealroom/internal/app/policies"
	"dealroom/internal/app/queries"
	"dealroom/internal/app/store"
	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/presence"
	"dealroom/internal/infra/broker/kafka"
	"dealroom/internal/infra/config"
	mongostore "dealroom/internal/infra/db/mongo"
	"dealroom/internal/infra/delivery/grpcwire"
	"dealroom/internal/infra/delivery/inproc"
	ginserver "dealroom/internal/infra/http/gin"
	"dealroom/internal/infra/listingsapi"
	"dealroom/internal/infra/obs"
	infraoutbox "dealroom/internal/infra/outbox"
	"dealroom/internal/infra/presencebus"
	"dealroom/internal/infra/storage/memory"
	"dealroom/internal/infra/storage/s3"
	"dealroom/internal/infra/storage/scylla"
	"dealroom/internal/infra/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env not loaded", "error", err)
	}
	cfg, err := config.Load()
	logger := obs.NewLogger(cfg.Env)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}
	logger = logger.With("node_id", cfg.NodeID)

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		app.close(logger)
		os.Exit(1)
	}

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{Checks: app.checks}, app.handlers)
	for _, run := range app.background {
		go run(ctx)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "transport", cfg.Transport, "storage", cfg.Storage)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		app.close(logger)
		os.Exit(1)
	}
	app.close(logger)
	logger.Info("HTTP server stopped")
}

// outboxStore is what both the command pipeline and the relay worker need.
type outboxStore interface {
	appoutbox.Outbox
	infraoutbox.ClaimStore
}

type application struct {
	handlers   ginserver.Handlers
	checks     map[string]obs.Check
	background []func(context.Context)
	closers    []func() error
}

func (a *application) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *application) check(name string, fn obs.Check) {
	if a.checks == nil {
		a.checks = make(map[string]obs.Check)
	}
	a.checks[name] = fn
}

// close runs closers in reverse order of registration.
func (a *application) close(logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{}

	var (
		box   outboxStore = memory.NewOutbox()
		idemp middleware.IdempotencyStore
	)
	idemp = memory.NewIdempotencyStore(cfg.IdempotencyTTL)
	if cfg.MongoURI != "" {
		client, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return app, err
		}
		app.onClose(func() error { return client.Close(context.Background()) })
		app.check("mongo", client.Ping)
		if box, err = infraoutbox.NewMongoStore(ctx, client.DB); err != nil {
			return app, err
		}
		if idemp, err = mongostore.NewIdempotencyStore(ctx, client.DB, cfg.IdempotencyTTL); err != nil {
			return app, err
		}
		logger.Info("mongo outbox and idempotency enabled", "db", cfg.MongoDB)
	}

	listingPort, err := buildListings(cfg, logger)
	if err != nil {
		return app, err
	}

	repo, err := buildRepository(ctx, app, cfg, logger)
	if err != nil {
		return app, err
	}

	channel, err := buildChannel(ctx, app, cfg, logger)
	if err != nil {
		return app, err
	}

	s, err := store.New(store.Deps{
		Channel:    channel,
		Repository: repo,
		Listings:   listingPort,
		Outbox:     box,
		Logger:     logger,
	}, store.Config{
		NodeID:         cfg.NodeID,
		ReplyWindow:    cfg.ReplyWindow,
		RetryBackoff:   cfg.RetryBackoff,
		Workers:        cfg.PublishWorkers,
		PublishTimeout: cfg.PublishTimeout,
	})
	if err != nil {
		return app, err
	}
	app.onClose(func() error { s.Close(); return nil })
	if err := s.Load(ctx); err != nil {
		return app, fmt.Errorf("load conversations: %w", err)
	}
	sub, err := s.Attach(ctx)
	if err != nil {
		return app, err
	}
	app.onClose(sub.Close)

	tracker := presence.NewTracker(presence.Config{TypingTTL: cfg.TypingTTL, HeartbeatTimeout: cfg.HeartbeatTimeout})
	app.onClose(func() error { tracker.Close(); return nil })

	var relay policies.PresenceRelay
	if cfg.RedisAddr != "" {
		client, err := presencebus.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return app, err
		}
		app.onClose(client.Close)
		app.check("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
		relay = &presencebus.Relay{Client: client, Channel: cfg.PresenceChannel, NodeID: cfg.NodeID}
		sub := &presencebus.Subscriber{
			Client:    client,
			Channel:   cfg.PresenceChannel,
			NodeID:    cfg.NodeID,
			Tracker:   tracker,
			TypingTTL: cfg.TypingTTL,
			Logger:    logger,
		}
		app.background = append(app.background, func(ctx context.Context) {
			if err := sub.Run(ctx); err != nil {
				logger.Error("presence subscriber stopped", "error", err)
			}
		})
	}

	var attachments policies.AttachmentStore = memory.NewAttachmentStore()
	if cfg.S3Endpoint != "" {
		files, err := s3.NewAttachmentStore(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, logger)
		if err != nil {
			return app, err
		}
		app.check("s3", files.Ping)
		attachments = files
	} else {
		logger.Warn("S3_ENDPOINT not set, attachments kept in memory")
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, kafka.NewConfig("dealroom-outbox-"+cfg.NodeID))
		if err != nil {
			return app, err
		}
		app.onClose(producer.Close)
		worker := &infraoutbox.Worker{
			Store:       box,
			Producer:    producer,
			Interval:    cfg.OutboxPollInterval,
			TopicPrefix: cfg.KafkaTopicPrefix,
			Source:      "dealroom/" + cfg.NodeID,
			ID:          cfg.NodeID,
			Backoff:     cfg.RetryBackoff,
			Logger:      logger,
		}
		app.background = append(app.background, func(ctx context.Context) {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", "error", err)
			}
		})
	} else {
		logger.Warn("KAFKA_BROKERS not set, outbox events stay unrelayed")
	}

	cmdBus := commands.NewInMemoryBus()
	queryBus := queries.NewInMemoryBus()
	negotiation.Register(cmdBus, queryBus, negotiation.Deps{
		Store:       s,
		Presence:    tracker,
		Attachments: attachments,
		Relay:       relay,
		Logger:      logger,
	})
	stack := middleware.Stack{
		Authorizer:  middleware.ParticipantAuthorizer{Lookup: negotiation.Participants(s)},
		Idempotency: idemp,
		Outbox:      box,
	}
	cmds := stack.Commands(cmdBus)
	qs := stack.Queries(queryBus)

	tokens := ginserver.TokenService{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, every API call will be rejected")
	}
	app.handlers = ginserver.Handlers{
		Conversations:  ginserver.ConversationHandler{Commands: cmds, Queries: qs, Logger: logger},
		Presence:       ginserver.PresenceHandler{Commands: cmds, Queries: qs, Logger: logger},
		Search:         ginserver.SearchHandler{Queries: qs, Logger: logger},
		Live:           ginserver.LiveHandler{Store: s, Presence: tracker, Commands: cmds, Relay: relay, Origins: cfg.CORSOrigins, Logger: logger},
		AuthMiddleware: ginserver.AuthMiddleware{Tokens: tokens, Logger: logger}.Handle,
	}
	return app, nil
}

func buildListings(cfg config.Config, logger *slog.Logger) (policies.ListingPort, error) {
	if cfg.ListingsURL != "" {
		logger.Info("using remote listing service", "url", cfg.ListingsURL)
		return &listingsapi.Client{
			BaseURL: cfg.ListingsURL,
			HTTP:    &http.Client{Timeout: cfg.ListingsTimeout},
			Timeout: cfg.ListingsTimeout,
			Logger:  logger,
		}, nil
	}
	catalog := memory.NewListingCatalog()
	if err := catalog.SeedDefaults(); err != nil {
		return nil, err
	}
	if cfg.ListingsFixtures != "" {
		if err := catalog.LoadFixturesFile(cfg.ListingsFixtures); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			logger.Info("listing fixtures file not found, skipping", "path", cfg.ListingsFixtures)
		}
	}
	logger.Info("listing catalog loaded", "listings", catalog.Len())
	return catalog, nil
}

func buildRepository(ctx context.Context, app *application, cfg config.Config, logger *slog.Logger) (conversations.Repository, error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		app.onClose(db.Close)
		repo := sqlite.NewRepository(db)
		app.check("sqlite", repo.Ping)
		logger.Info("sqlite storage", "path", cfg.SQLitePath)
		return repo, nil
	case config.StorageScylla:
		session, err := scylla.NewSession(ctx, scylla.SessionConfig{Hosts: cfg.ScyllaHosts, Keyspace: cfg.ScyllaKeyspace}, logger)
		if err != nil {
			return nil, err
		}
		app.onClose(func() error { session.Close(); return nil })
		repo := scylla.NewRepository(session, logger)
		app.check("scylla", repo.Ping)
		return repo, nil
	default:
		logger.Warn("memory storage, conversations are lost on restart")
		return memory.NewConversationRepository(), nil
	}
}

func buildChannel(ctx context.Context, app *application, cfg config.Config, logger *slog.Logger) (delivery.Channel, error) {
	switch cfg.Transport {
	case config.TransportKafka:
		kcfg := kafka.NewConfig("dealroom-" + cfg.NodeID)
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, kcfg)
		if err != nil {
			return nil, err
		}
		app.onClose(producer.Close)
		// Each node needs its own group to see every envelope.
		groupID := cfg.KafkaGroupID + "-" + cfg.NodeID
		return &kafka.Channel{
			Producer: producer,
			Topic:    cfg.KafkaTopicPrefix + kafka.DefaultEnvelopeTopic,
			NewGroup: kafka.GroupFactory(cfg.KafkaBrokers, groupID, kcfg),
			Logger:   logger,
		}, nil
	case config.TransportGRPC:
		conn, err := grpcwire.Dial(cfg.RelayAddr)
		if err != nil {
			return nil, err
		}
		app.onClose(conn.Close)
		conn.Connect()
		dialCtx, cancel := context.WithTimeout(ctx, cfg.RelayDial)
		for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
			if !conn.WaitForStateChange(dialCtx, state) {
				logger.Warn("relay not reachable yet, will keep retrying", "addr", cfg.RelayAddr, "state", state.String())
				break
			}
		}
		cancel()
		app.check("relay", func(context.Context) error {
			if state := conn.GetState(); state == connectivity.TransientFailure || state == connectivity.Shutdown {
				return fmt.Errorf("relay connection %s", state)
			}
			return nil
		})
		logger.Info("using grpc relay", "addr", cfg.RelayAddr)
		return &grpcwire.Channel{Conn: conn, NodeID: cfg.NodeID, CallTimeout: cfg.RelayCallTimeout, Logger: logger}, nil
	default:
		hub := inproc.NewHub(logger)
		app.onClose(hub.Close)
		return hub, nil
	}
}

func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
