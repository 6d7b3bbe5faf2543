package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ezviz-cas/cas-bridge/internal/cloud"
	"github.com/ezviz-cas/cas-bridge/internal/config"
	"github.com/ezviz-cas/cas-bridge/internal/control"
	"github.com/ezviz-cas/cas-bridge/internal/models"
	"github.com/ezviz-cas/cas-bridge/internal/storage"
	"github.com/ezviz-cas/cas-bridge/pkg/cas"
)

func main() {
	// Command line flags
	var (
		configFile string
		serial     string
		enable     int
		sessionID  string
		proxyHost  string
		proxyPort  int
		insecure   bool
		keyOnly    bool
		debug      bool
	)
	flag.StringVar(&configFile, "config", "", "Configuration file path (optional)")
	flag.StringVar(&serial, "serial", "", "Camera serial number")
	flag.IntVar(&enable, "enable", 1, "Defence mode: 1 arms, 0 disarms")
	flag.StringVar(&sessionID, "session", "", "Cloud client session id (overrides config)")
	flag.StringVar(&proxyHost, "host", "", "CAS proxy host (overrides config)")
	flag.IntVar(&proxyPort, "port", 0, "CAS proxy port (overrides config)")
	flag.BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	flag.BoolVar(&keyOnly, "key-only", false, "Only negotiate the device key and print its operation code")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if serial == "" {
		fmt.Fprintln(os.Stderr, "usage: ezviz-cas -serial <serial> [-enable 0|1] [-config file] [-session id]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg := &config.Config{}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}
		cfg = loaded
	}

	if sessionID != "" {
		cfg.Cloud.SessionID = sessionID
	}
	if proxyHost != "" {
		cfg.Cloud.ProxyHost = proxyHost
		cfg.Cloud.SysConf = ""
	}
	if proxyPort != 0 {
		cfg.Cloud.ProxyPort = proxyPort
	}
	if insecure {
		cfg.CAS.InsecureSkipVerify = true
	}

	creds, err := cloud.NewStaticProvider(cfg.Cloud.SessionID, cfg.Cloud.SysConf, cfg.Cloud.ProxyHost, cfg.Cloud.ProxyPort)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid cloud configuration")
	}
	casCfg, err := cfg.CASClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid CAS configuration")
	}
	client := cas.NewClient(creds, casCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if keyOnly {
		sess, err := client.GetEncryption(ctx, serial)
		if err != nil {
			log.Fatal().Err(err).Msg("Key negotiation failed")
		}
		fmt.Printf("serial=%s operation_code=%s session=%s\n", sess.DeviceSerial, sess.OperationCode, sess.ID)
		return
	}

	var recorder control.CommandRecorder
	if cfg.Database.DSN != "" {
		dbCtx, dbCancel := context.WithTimeout(ctx, 10*time.Second)
		store, err := storage.NewPostgresStore(dbCtx, cfg.Database.DSN, storage.Options{MaxOpenConns: 1})
		dbCancel()
		if err != nil {
			log.Warn().Err(err).Msg("Database unavailable, command will not be recorded")
		} else {
			defer store.Close()
			recorder = store
		}
	}

	service := control.NewService(client, recorder, nil)

	cmd, err := service.SetDefence(ctx, control.Request{
		Serial:      serial,
		Enable:      enable,
		Source:      models.SourceCLI,
		RequestedBy: os.Getenv("USER"),
	})
	if err != nil {
		log.Error().Err(err).Str("kind", control.Classify(err).String()).Msg("Defence command failed")
		os.Exit(1)
	}

	fmt.Printf("serial=%s enable=%d success=%v duration=%dms\n", cmd.DeviceSerial, cmd.Enable, cmd.Success, cmd.DurationMS)
}
