package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/books-gateway/internal/api"
	"github.com/Checker-Finance/books-gateway/internal/credstore"
	"github.com/Checker-Finance/books-gateway/internal/google"
	"github.com/Checker-Finance/books-gateway/internal/httpclient"
	"github.com/Checker-Finance/books-gateway/internal/intuit"
	"github.com/Checker-Finance/books-gateway/internal/jobs"
	"github.com/Checker-Finance/books-gateway/internal/messaging"
	"github.com/Checker-Finance/books-gateway/internal/relay"
	"github.com/Checker-Finance/books-gateway/internal/secrets"
	"github.com/Checker-Finance/books-gateway/pkg/config"
	"github.com/Checker-Finance/books-gateway/pkg/logger"
	"github.com/Checker-Finance/books-gateway/pkg/model"
	pkgsecrets "github.com/Checker-Finance/books-gateway/pkg/secrets"
	"github.com/Checker-Finance/books-gateway/pkg/utils"
)

// googleState is echoed back by the Google consent callback.
const googleState = "books-gateway-google"

func main() {
	if code := run(); code != 0 {
		os.Exit(code)
	}
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [books-gateway]...")

	// --- Credential store backend ---
	be, err := openBackends(ctx, cfg)
	if err != nil {
		logg.Fatalw("failed to init credential store", "backend", cfg.SessionStore, "error", err)
	}
	defer be.close()

	// --- Optional AWS Secrets Manager for the Google OAuth client ---
	var googleResolver *secrets.Resolver[google.ClientKeys]
	stopCleaner := make(chan struct{})
	defer close(stopCleaner)
	if cfg.SecretsBackend == "aws" {
		awsProvider, err := pkgsecrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		keyCache := pkgsecrets.NewCache[google.ClientKeys](cfg.CacheTTL)
		go keyCache.StartCleaner(cfg.CleanupFreq, stopCleaner)
		googleResolver = secrets.NewResolver(logger.Named("secrets"), cfg.Env, cfg.ServiceName, awsProvider, keyCache)
	}

	// --- Intuit session manager ---
	tokenStore := openStore[model.TokenRecord](be, cfg.SessionStore, cfg.IntuitTokenPath, "gateway:intuit:token")
	intuitMgr := intuit.NewManager(logger.Named("intuit"), intuit.Config{
		Endpoints:  intuit.DefaultEndpoints(),
		State:      cfg.IntuitState,
		HTTPClient: &http.Client{Timeout: cfg.IntuitTimeout},
		RPS:        cfg.IntuitRPS,
		Burst:      cfg.IntuitBurst,
		RetryMax:   cfg.IntuitRetryMax,
	}, tokenStore)

	if rec, err := credstore.LoadOr(ctx, tokenStore, model.TokenRecord{}); err != nil {
		logg.Warnw("intuit token could not be loaded", "error", err)
	} else if rec.ClientID != "" {
		if err := intuitMgr.Restore(rec); err != nil {
			logg.Warnw("stored intuit token ignored", "error", err)
		} else {
			logg.Infow("intuit token restored", "realm", rec.RealmID, "environment", rec.Environment)
		}
	}

	refresher := jobs.NewTokenRefresher(logger.Named("refresher"), intuitMgr, cfg.RefreshInterval, cfg.RefreshSkew)
	go refresher.Start(ctx)

	// --- Relay sinks for inbound messages ---
	webhookExec := httpclient.New(logger.Named("webhook"), nil, &http.Client{Timeout: cfg.WebhookTimeout}, 2, "webhook", nil)
	sinks := []relay.Sink{relay.WebhookSink(cfg.WebhookEnabled, cfg.WebhookPath, webhookExec)}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = relay.ConnectNATS(cfg.NATSURL, cfg.ServiceName)
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		defer nc.Drain() //nolint:errcheck
		sinks = append(sinks, relay.NewNATS(nc, cfg.RelaySubject, cfg.ServiceName))
	}
	if cfg.RabbitMQURL != "" {
		amqpSink, err := relay.DialAMQP(cfg.RabbitMQURL, cfg.RelayQueue)
		if err != nil {
			logg.Fatalw("failed to connect to RabbitMQ", "error", err)
		}
		defer amqpSink.Close() //nolint:errcheck
		sinks = append(sinks, amqpSink)
	}
	fanout := relay.NewFanout(logger.Named("relay"), sinks...)
	logg.Infow("relay configured", "enabled", fanout.Enabled(), "sinks", fanout.Sinks())

	// --- Messaging session over the bridge ---
	bridge := messaging.NewBridge(cfg.BridgeWSURL, logger.Named("bridge"), cfg.BridgeReconnectDelay)
	bridgeExec := httpclient.New(logger.Named("bridge-http"), nil, &http.Client{Timeout: cfg.WebhookTimeout}, 1, "bridge", nil)
	session := messaging.NewSession(logger.Named("messaging"), messaging.SessionConfig{
		Transport: bridge,
		Store:     openStore[model.SessionCredential](be, cfg.SessionStore, cfg.SessionPath, cfg.SessionKey),
		Relay:     fanout,
		Media:     messaging.NewHTTPMedia(bridgeExec, cfg.BridgeHTTPURL),
		QRPath:    cfg.QRPath,
	})
	if err := session.Initialize(ctx); err != nil {
		logg.Warnw("messaging bridge unavailable, retrying in background", "error", err)
		bridge.RetryConnect()
	}

	// --- Google contacts ---
	googleAuth := google.NewAuthorizer(logger.Named("google"), google.AuthorizerConfig{
		CredentialsPath: cfg.GoogleCredentialsPath,
		RedirectURL:     cfg.GoogleRedirectURL,
		SecretName:      cfg.GoogleSecretName,
		Resolver:        googleResolver,
		TokenStore:      credstore.NewFileStore[model.GoogleUserToken](cfg.GoogleTokenPath),
	})
	contacts := google.NewContacts(logger.Named("contacts"), googleAuth, "")
	go probeContacts(ctx, logger.Named("contacts"), contacts)

	// --- HTTP API ---
	app := api.NewApp(logger.Named("http"), api.AppConfig{
		Name:         cfg.ServiceName,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})
	api.RegisterRoutes(app, api.Deps{
		Intuit: api.NewIntuitHandler(logger.Named("http"), intuitMgr, intuit.Credentials{
			ClientID:     cfg.IntuitClientID,
			ClientSecret: cfg.IntuitClientSecret,
			Environment:  cfg.IntuitEnvironment,
			RedirectURI:  redirectURI(cfg),
		}),
		Google:    api.NewGoogleHandler(logger.Named("http"), contacts, googleAuth, googleState),
		Messaging: api.NewMessagingHandler(logger.Named("http"), session),
		BridgeURL: cfg.BridgeHTTPURL,
		PublicDir: cfg.PublicDir,
		Health:    healthChecks(tokenStore, bridge, nc),
	})

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()
	printSetupSteps(logg, cfg.Port)

	// --- Main process stays alive until interrupted or pairing fails ---
	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-session.Fatal():
		logg.Errorw("messaging pairing failed, shutting down", "error", err)
		exitCode = 1
	}
	stop()
	logg.Info("shutting down [books-gateway]...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.ShutdownWithContext(shutdownCtx) //nolint:errcheck
	refresher.Stop()
	session.Close() //nolint:errcheck
	return exitCode
}

// backends holds the shared connections of the remote credential stores.
type backends struct {
	redis *redis.Client
	pg    *pgxpool.Pool
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	be := &backends{}
	switch cfg.SessionStore {
	case config.StoreFile:
	case config.StoreRedis:
		be.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPass,
		})
		if err := be.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	case config.StorePostgres:
		logger.S().Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
		pool, err := credstore.NewPool(ctx, cfg.DatabaseURL, credstore.PGPoolConfig{
			MaxConns:          int32(cfg.PGMaxConns),
			MinConns:          int32(cfg.PGMinConns),
			MaxConnLifetime:   cfg.PGMaxConnLifetime,
			MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
			HealthCheckPeriod: cfg.PGHealthCheckPeriod,
		})
		if err != nil {
			return nil, err
		}
		be.pg = pool
	default:
		return nil, fmt.Errorf("unknown SESSION_STORE %q", cfg.SessionStore)
	}
	return be, nil
}

func (b *backends) close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pg != nil {
		b.pg.Close()
	}
}

// openStore picks the store for one document: a file at path, or key in the
// shared redis / postgres backend.
func openStore[T any](b *backends, kind, path, key string) credstore.Store[T] {
	switch kind {
	case config.StoreRedis:
		return credstore.NewRedisStore[T](b.redis, key)
	case config.StorePostgres:
		return credstore.NewPGStore[T](b.pg, key)
	default:
		return credstore.NewFileStore[T](path)
	}
}

func healthChecks(tokenStore credstore.Store[model.TokenRecord], bridge *messaging.Bridge, nc *nats.Conn) []api.HealthCheck {
	checks := []api.HealthCheck{{
		Name: "bridge",
		Check: func(context.Context) error {
			if !bridge.IsConnected() {
				return messaging.ErrNotConnected
			}
			return nil
		},
	}}
	if hc, ok := tokenStore.(credstore.HealthChecker); ok {
		checks = append(checks, api.HealthCheck{Name: "store", Check: hc.HealthCheck})
	}
	if nc != nil {
		checks = append(checks, api.HealthCheck{
			Name: "nats",
			Check: func(context.Context) error {
				if !nc.IsConnected() {
					return errors.New("disconnected")
				}
				return nc.FlushTimeout(time.Second)
			},
		})
	}
	return checks
}

func probeContacts(ctx context.Context, log *zap.Logger, contacts *google.Contacts) {
	names, err := contacts.ConnectionNames(ctx)
	if err != nil {
		log.Warn("google.startup_probe_failed", zap.Error(err))
		return
	}
	log.Info("google.startup_probe", zap.Int("connections", len(names)), zap.Strings("names", names))
}

func redirectURI(cfg *config.Config) string {
	if cfg.IntuitRedirectURI != "" {
		return cfg.IntuitRedirectURI
	}
	return fmt.Sprintf("http://localhost:%d/callback", cfg.Port)
}

func printSetupSteps(logg *zap.SugaredLogger, port int) {
	base := fmt.Sprintf("http://localhost:%d", port)
	logg.Infof("Step 1 : Paste this URL in your browser : %s", base)
	logg.Info("Step 2 : Copy and Paste the clientId and clientSecret from : https://developer.intuit.com")
	logg.Infof("Step 3 : Copy Paste this callback URL into redirectURI : %s/callback", base)
	logg.Info("Step 4 : Make Sure this redirect URI is also listed under the Redirect URIs on your app in : https://developer.intuit.com")
}
