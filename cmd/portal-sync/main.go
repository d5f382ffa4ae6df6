package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/portal-sync/internal/application/channel"
	"github.com/portal-sync/internal/application/chat"
	"github.com/portal-sync/internal/application/connection"
	"github.com/portal-sync/internal/application/live"
	"github.com/portal-sync/internal/application/notification"
	"github.com/portal-sync/internal/config"
	"github.com/portal-sync/internal/domain"
	"github.com/portal-sync/internal/infrastructure/api"
	jwtinfra "github.com/portal-sync/internal/infrastructure/jwt"
	"github.com/portal-sync/internal/infrastructure/redisbus"
	s3infra "github.com/portal-sync/internal/infrastructure/s3"
	snsinfra "github.com/portal-sync/internal/infrastructure/sns"
	"github.com/portal-sync/internal/infrastructure/websocket"
	"github.com/portal-sync/internal/pkg/log"
	transporthttp "github.com/portal-sync/internal/transport/http"
)

// signals fans transport transitions out to every listener, in order.
type signals struct {
	listeners []interface {
		OnConnect()
		OnDisconnect()
		OnError(error)
	}
}

func (s *signals) OnConnect() {
	for _, l := range s.listeners {
		l.OnConnect()
	}
}

func (s *signals) OnDisconnect() {
	for _, l := range s.listeners {
		l.OnDisconnect()
	}
}

func (s *signals) OnError(err error) {
	for _, l := range s.listeners {
		l.OnError(err)
	}
}

type pushTransport interface {
	channel.Transport
	Run(ctx context.Context) error
}

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	log.Init(log.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "portal-sync"})
	logger := log.Component("main")
	if envErr != nil {
		logger.Debug().Msg("no .env file found, reading from environment")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	parser, err := jwtinfra.NewParser(cfg.JWTPublicKeyPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load token parser")
	}
	me, err := resolveIdentity(cfg, parser)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve user identity")
	}
	logger = logger.With().Str(log.FieldUserID, me.ID.String()).Logger()

	client := api.NewClient(api.OptionsFromConfig(cfg))
	tracker := connection.NewTracker()

	var manager *channel.Manager
	dispatch := func(topic, event string, payload json.RawMessage) { manager.Dispatch(topic, event, payload) }
	fanout := &signals{}

	var (
		push    pushTransport
		closers []func() error
	)
	switch cfg.Transport {
	case "redis":
		bus := redisbus.New(redisbus.NewClient(redisbus.Config{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), cfg.RedisPrefix, dispatch, fanout)
		closers = append(closers, bus.Close)
		push = bus
	default:
		push = websocket.New(websocket.Options{
			URL:          cfg.WSURL,
			Header:       http.Header{"Authorization": {"Bearer " + cfg.APIToken}},
			PingInterval: cfg.WSPingInterval,
			PongWait:     cfg.WSPongWait,
			WriteWait:    cfg.WSWriteWait,
			ReconnectMax: cfg.WSReconnectMax,
			Authorizer:   client,
			Signals:      fanout,
			OnEvent:      dispatch,
		})
	}
	manager = channel.NewManager(push, cfg.APITimeout)
	fanout.listeners = append(fanout.listeners, tracker, manager)

	var uploader chat.Uploader
	if cfg.S3BucketName != "" {
		s3Client, err := s3infra.NewClient(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("create s3 client")
		}
		uploader = s3infra.NewStore(s3Client, cfg.S3BucketName)
	} else {
		logger.Warn().Msg("S3_BUCKET_NAME not set, attachments disabled")
	}

	notes := notification.NewStore(client)
	chatStore := chat.NewStore(client, uploader, me)
	session := live.New(manager, notes, chatStore, cfg.Topics, me.ID)
	if cfg.SNSTopicARN != "" {
		snsClient, err := snsinfra.NewClient(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("create sns client")
		}
		session.SetForwarder(snsinfra.NewRelay(snsClient, cfg.SNSTopicARN), cfg.APITimeout)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := push.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("push transport stopped")
		}
	}()

	if err := session.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial snapshot incomplete")
	}

	// Development servers listening on loopback may skip auth unless a
	// verification key is configured.
	var tokenParser *jwtinfra.Parser
	if parser.Verifies() || cfg.AppEnv != "development" {
		tokenParser = parser
	}
	router := transporthttp.NewRouter(ctx, cfg, &transporthttp.Deps{
		Notifications: notes,
		Chat:          chatStore,
		Session:       session,
		Connection:    tracker,
		TokenParser:   tokenParser,
		UserID:        me.ID,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("env", cfg.AppEnv).Str("transport", cfg.Transport).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	session.Close()
	manager.Close()
	wg.Wait()
	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn().Err(err).Msg("close transport")
		}
	}
	logger.Info().Msg("stopped")
}

// resolveIdentity returns the user this process syncs for: USER_ID when set,
// otherwise the identity carried by the API token.
func resolveIdentity(cfg *config.Config, parser *jwtinfra.Parser) (domain.Participant, error) {
	claims, err := parser.Parse(cfg.APIToken)
	if cfg.UserID != "" {
		me := domain.Participant{ID: domain.ID(cfg.UserID)}
		if err == nil {
			me.Name = claims.Name
		}
		return me, nil
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("read identity from API_TOKEN (set USER_ID for opaque tokens): %w", err)
	}
	return domain.Participant{ID: claims.Identity(), Name: claims.Name}, nil
}
