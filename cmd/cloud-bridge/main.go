package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/rs/zerolog"

	"github.com/homed/cloud-bridge/internal/pkg/application/accounts"
	"github.com/homed/cloud-bridge/internal/pkg/application/bot"
	"github.com/homed/cloud-bridge/internal/pkg/application/bridge"
	"github.com/homed/cloud-bridge/internal/pkg/application/hub"
	"github.com/homed/cloud-bridge/internal/pkg/application/skill"
	"github.com/homed/cloud-bridge/internal/pkg/application/webevents"
	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/router"
	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/storage"
	"github.com/homed/cloud-bridge/internal/pkg/presentation/api"
	"github.com/homed/cloud-bridge/internal/pkg/presentation/gui"
)

const serviceName string = "cloud-bridge"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	hubPort
	servicePort

	assetPath
	notificationsFile

	dbDriver
	dbFile

	clientID
	clientSecret

	skillURL
	skillID
	skillToken

	botToken

	enableMessenger
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		hubPort:       "8042",
		servicePort:   "8084",

		assetPath:         "/opt/homed",
		notificationsFile: "/opt/homed/config/notifications.yaml",

		dbDriver: "sqlite",
		dbFile:   "/opt/homed/cloud-bridge.db",

		skillURL: "https://dialogs.yandex.net/api/v1",

		enableMessenger: "false",
	}
}

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)
	defer cleanup()

	flags := parseExternalConfig(logger, defaultFlags())

	secret, err := hex.DecodeString(flags[clientSecret])
	if err != nil || len(secret) == 0 {
		logger.Fatal().Msg("a hex encoded oauth client secret must be configured")
	}

	store, err := newStorage(logger, flags)
	exitIf(err, logger, "could not create or connect to database")

	accountsSvc, err := accounts.New(ctx, flags[clientID], secret, store)
	exitIf(err, logger, "failed to load user accounts")

	accountsSvc.StartCodeSweeper(ctx)

	var messenger messaging.MsgContext

	if flags[enableMessenger] == "true" {
		config := messaging.LoadConfiguration(serviceName, logger)
		messenger, err = messaging.Initialize(config)
		exitIf(err, logger, "failed to init messaging context")
	}

	events := webevents.New(loadNotificationConfig(logger, flags[notificationsFile]))
	skillClient := skill.New(flags[skillURL], flags[skillID], flags[skillToken])
	tgBot := bot.New(flags[botToken], accountsSvc)

	b := bridge.New(accountsSvc, skillClient, events, messenger)
	b.StartStatsTicker(ctx)

	server, err := hub.Listen(net.JoinHostPort(flags[listenAddress], flags[hubPort]), b, logger)
	exitIf(err, logger, "failed to open hub listener")

	go func() {
		exitIf(server.Run(ctx), logger, "hub server failed")
	}()

	r := router.New(serviceName)
	gui.RegisterHandlers(logger, r, flags[assetPath], accountsSvc)

	_, err = api.RegisterHandlers(ctx, r, accountsSvc, b, tgBot)
	exitIf(err, logger, "failed to register api handlers")

	apiAddress := fmt.Sprintf("%s:%s", flags[listenAddress], flags[servicePort])
	logger.Info().Str("address", apiAddress).Msg("starting to listen for incoming connections")

	err = http.ListenAndServe(apiAddress, r)
	exitIf(err, logger, "failed to start request router")
}

func newStorage(logger zerolog.Logger, flags flagMap) (storage.UserRepository, error) {
	if flags[dbDriver] == "postgres" {
		return storage.New(storage.NewPostgreSQLConnector(logger))
	}

	return storage.New(storage.NewSQLiteConnector(logger, flags[dbFile]))
}

// loadNotificationConfig reads the webhook subscriber list. A missing
// file just means nobody subscribed.
func loadNotificationConfig(logger zerolog.Logger, filePath string) *webevents.Config {
	file, err := os.Open(filePath)
	if err != nil {
		logger.Info().Msg("no notification configuration found")
		return nil
	}
	defer file.Close()

	cfg, err := webevents.LoadConfiguration(file)
	if err != nil {
		logger.Error().Err(err).Msg("failed to parse notification configuration")
		return nil
	}

	return cfg
}

func parseExternalConfig(logger zerolog.Logger, flags flagMap) flagMap {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(logger, "LISTEN_ADDRESS", flags[listenAddress])
	flags[hubPort] = envOrDef(logger, "HUB_PORT", flags[hubPort])
	flags[servicePort] = envOrDef(logger, "SERVICE_PORT", flags[servicePort])

	flags[dbDriver] = envOrDef(logger, "BRIDGE_DB_DRIVER", flags[dbDriver])
	flags[dbFile] = envOrDef(logger, "BRIDGE_DB_FILE", flags[dbFile])

	flags[clientID] = envOrDef(logger, "OAUTH_CLIENT_ID", flags[clientID])
	flags[clientSecret] = envOrDef(logger, "OAUTH_CLIENT_SECRET", flags[clientSecret])

	flags[skillURL] = envOrDef(logger, "SKILL_CALLBACK_URL", flags[skillURL])
	flags[skillID] = envOrDef(logger, "SKILL_ID", flags[skillID])
	flags[skillToken] = envOrDef(logger, "SKILL_OAUTH_TOKEN", flags[skillToken])

	flags[botToken] = envOrDef(logger, "TELEGRAM_BOT_TOKEN", flags[botToken])

	flags[enableMessenger] = envOrDef(logger, "ENABLE_MESSAGING", flags[enableMessenger])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("assets", "path holding the login page and logo", apply(assetPath))
	flag.Func("notifications", "notification subscriber configuration file", apply(notificationsFile))
	flag.Func("db", "database file path (sqlite driver)", apply(dbFile))
	flag.Parse()

	return flags
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Error().Err(err).Msg(msg)
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
