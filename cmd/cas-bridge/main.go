package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ezviz-cas/cas-bridge/internal/api"
	"github.com/ezviz-cas/cas-bridge/internal/cloud"
	"github.com/ezviz-cas/cas-bridge/internal/config"
	"github.com/ezviz-cas/cas-bridge/internal/control"
	"github.com/ezviz-cas/cas-bridge/internal/integration"
	"github.com/ezviz-cas/cas-bridge/internal/server"
	"github.com/ezviz-cas/cas-bridge/internal/storage"
	"github.com/ezviz-cas/cas-bridge/pkg/cas"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/cas-bridge.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Print configuration summary
	cfg.PrintConfigSummary()

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// CAS client
	creds, err := cloud.NewStaticProvider(cfg.Cloud.SessionID, cfg.Cloud.SysConf, cfg.Cloud.ProxyHost, cfg.Cloud.ProxyPort)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid cloud configuration")
	}
	casCfg, err := cfg.CASClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid CAS configuration")
	}
	client := cas.NewClient(creds, casCfg)

	log.Info().Str("proxy", creds.URLs.Addr()).Msg("CAS client ready")

	// Optional: connect to database
	var recorder control.CommandRecorder
	var history api.CommandStore
	if cfg.Database.DSN != "" {
		store, err := storage.NewPostgresStore(ctx, cfg.Database.DSN, storage.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}

		recorder, history = store, store
		log.Info().Msg("Connected to database")
	} else {
		log.Info().Msg("Database not configured, command history disabled")
	}

	// Optional: connect to NATS
	var nc *nats.Conn
	var publishers control.Publishers
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Server.Name),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
			nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
				subject := ""
				if sub != nil {
					subject = sub.Subject
				}
				log.Error().
					Err(err).
					Str("subject", subject).
					Msg("NATS error")
			}),
		)

		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
			nc = nil
		} else {
			defer nc.Close()
			publishers = append(publishers, nc)
			log.Info().Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// WaitGroup for services
	var wg sync.WaitGroup

	// Optional: forward events to webhook and MQTT
	forwarder, err := integration.NewForwarderService(cfg.Integration)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start integrations")
	}
	if forwarder.Enabled() {
		publishers = append(publishers, forwarder)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := forwarder.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Integration forwarder stopped")
			}
		}()
	}

	var publisher control.EventPublisher
	if len(publishers) > 0 {
		publisher = publishers
	}
	service := control.NewService(client, recorder, publisher)

	// Start NATS subscriber
	if nc != nil {
		subscriber := server.NewNATSSubscriber(nc, service, 2*(casCfg.DialTimeout+casCfg.ReadTimeout))

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("Starting NATS subscriber")
			if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("NATS subscriber stopped")
			}
		}()
	}

	// Start REST API server
	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		apiServer = api.NewRESTServer(cfg, service, history)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.ListenAndServe(cfg.API.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("REST API server failed")
				cancel()
			}
		}()
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-ctx.Done():
	}

	// Cancel context
	cancel()

	// Shutdown API server
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
		shutdownCancel()
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("CAS bridge stopped")
}
