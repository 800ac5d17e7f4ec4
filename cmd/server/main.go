package main

import (
	"chat-sync/auth"
	"chat-sync/contract"
	"chat-sync/domain/event"
	"chat-sync/infrastructure/grpc/server"
	"chat-sync/infrastructure/httpapi"
	"chat-sync/infrastructure/volatile"
	"chat-sync/infrastructure/ws"
	"chat-sync/internal"
	"chat-sync/moderation"
	"chat-sync/repositories"
	"chat-sync/runtime"
	"chat-sync/runtime/workers"
	"chat-sync/services"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"google.golang.org/grpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting so that every defer runs before exiting.
func run() error {
	// 1. Configuration & Logger
	config, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Durable store (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()
	messageRepository := repositories.NewMessageRepository(db, log, config.LimitMessages)
	conversationRepository := repositories.NewConversationRepository(db, log)

	probes := []workers.Probe{{Name: "badger", Check: func(context.Context) error {
		return db.View(func(*badger.Txn) error { return nil })
	}}}

	// 3. Users: Postgres when the identity subsystem owns them there
	userRepository, closeUsers, err := openUsers(ctx, log, config, db)
	if err != nil {
		return err
	}
	defer closeUsers()

	// 4. Volatile connection store
	volatileStore, err := openVolatile(ctx, log, config)
	if err != nil {
		return err
	}
	defer func() { _ = volatileStore.Close() }()
	if config.RedisURL != "" {
		probes = append(probes, workers.Probe{Name: "redis", Check: volatileStore.Ping})
	}

	// 5. Supervision & fan-out
	supervisor := workers.NewSupervisor(log, config.RestartInterval)
	registry := runtime.NewRegistry(log, config.SubscriptionBufferSize)
	orchestrator := runtime.NewOrchestrator(log, supervisor, registry,
		config.NumberOfShards, config.BufferSize, config.SinkTimeout)
	counter := event.NewCounter()
	orchestrator.Add(counter)

	// 6. Services
	clock := contract.SystemClock{}
	policy := services.NewPolicy(log, config.OperationTimeout, config.RetryMaxAttempts, config.RetryBaseDelay, config.RetryMaxDelay)
	typingService := services.NewTypingService(log, orchestrator, conversationRepository, clock, config.TypingTimeout, config.OperationTimeout)
	defer typingService.Stop()
	presenceService := services.NewPresenceService(log, userRepository, volatileStore, orchestrator, clock, policy, config.HeartbeatTimeout)
	summaryWorker := workers.NewSummaryWorker(log, config.RetryMaxDelay)
	chatService := services.NewChatService(log, messageRepository, conversationRepository, userRepository,
		typingService, orchestrator, clock, policy, config.MaxContentLength).
		WithSummaryQueue(summaryWorker)
	summaryWorker.Bind(chatService)

	if config.CensoredWordsDir != "" {
		moderator, err := loadModerator(log, config)
		if err != nil {
			return err
		}
		chatService.WithModerator(moderator)
	}
	if _, err = chatService.RebuildSummaries(ctx); err != nil {
		return fmt.Errorf("summary rebuild failed: %w", err)
	}

	// 7. Edges
	tokens, err := auth.NewTokens(config.JwtSecret, config.JwtIssuer, config.AuthTokenDuration)
	if err != nil {
		return err
	}
	ops := server.NewOpsServer(log, tokens)
	gateway := ws.NewGateway(log, chatService, typingService, presenceService, config.HeartbeatTimeout)
	router := httpapi.NewRouter(log, tokens, httpapi.NewHandler(log, chatService, typingService, presenceService), gateway,
		func(ctx context.Context) error {
			for _, probe := range probes {
				if err := probe.Check(ctx); err != nil {
					return fmt.Errorf("%s: %w", probe.Name, err)
				}
			}
			return nil
		})

	supervisor.Add(
		workers.NewLivenessWorker(log, presenceService, config.LivenessInterval),
		summaryWorker,
		workers.NewTelemetryWorker(log, config.MetricInterval, counter, orchestrator.Channels(), registry.Count),
		workers.NewHealthWorker(log, ops.Health, config.LivenessInterval, config.OperationTimeout, probes...),
	)

	// 8. Start the engine
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = orchestrator.Start(ctx)
	}()

	errChan := make(chan error, 2)
	grpcListener, err := net.Listen("tcp", config.GrpcAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.GrpcAddress(), err)
	}
	go func() {
		log.Info("Starting gRPC server", "address", config.GrpcAddress(), "at", time.Now().UTC())
		if err := ops.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	httpServer := &http.Server{Addr: config.HTTPAddress(), Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("Starting HTTP server", "address", config.HTTPAddress())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// 9. Wait for Stop or Error
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case runErr = <-errChan:
	}

	// 10. Final Cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	ops.Stop()
	orchestrator.Stop()
	<-engineDone
	summaryWorker.Flush(shutdownCtx)
	log.Info("Program stopped cleanly")

	return runErr
}

func openUsers(ctx context.Context, log *slog.Logger, config internal.Config, db *badger.DB) (repositories.IUserRepository, func(), error) {
	if config.DatabaseURL == "" {
		return repositories.NewUserRepository(db, log), func() {}, nil
	}
	pg, err := repositories.OpenPostgres(ctx, config.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	users := repositories.NewPgUserRepository(pg, log)
	if err = users.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	log.Info("Users stored in Postgres")
	return users, func() { _ = pg.Close() }, nil
}

func openVolatile(ctx context.Context, log *slog.Logger, config internal.Config) (contract.VolatileStore, error) {
	if config.RedisURL == "" {
		return volatile.NewMemoryStore(), nil
	}
	store, err := volatile.NewRedisStore(ctx, config.RedisURL)
	if err != nil {
		return nil, err
	}
	log.Info("Connection liveness shared through Redis")
	return store, nil
}

func loadModerator(log *slog.Logger, config internal.Config) (*moderation.Moderator, error) {
	replacement, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return nil, err
	}
	data, err := moderation.LoadAll(os.DirFS(config.CensoredWordsDir), ".")
	if err != nil {
		return nil, fmt.Errorf("censored words: %w", err)
	}
	log.Info("Moderation enabled", "languages", data.Languages, "words", len(data.Words))
	return moderation.NewModerator(data.Words, replacement, log)
}
