package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chargefleet/fleetsim/internal/admin"
	"github.com/chargefleet/fleetsim/internal/config"
	"github.com/chargefleet/fleetsim/internal/ocpp"
	"github.com/chargefleet/fleetsim/internal/station"
	"github.com/chargefleet/fleetsim/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("Starting charging station fleet simulator",
		"supervisionUrl", cfg.Supervision.URL,
		"templateDir", cfg.Fleet.TemplateDir,
	)

	// Optional best-effort persistence.
	var persistence station.Persistence
	var mongoClient *storage.Client
	if cfg.MongoDB.Enabled {
		client, err := storage.Connect(context.Background(), storage.Config{
			URI:               cfg.MongoDB.URI,
			Database:          cfg.MongoDB.Database,
			ConnectionTimeout: cfg.MongoDB.ConnectionTimeout,
		}, logger)
		if err != nil {
			logger.Error("MongoDB unavailable, continuing without persistence", "error", err)
		} else {
			mongoClient = client
			persistence = storage.NewConnectorStateRepository(client)
		}
	}

	// Optional supervisor channel.
	var events station.EventSink
	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		users := make([]admin.User, 0, len(cfg.Admin.Users))
		for _, u := range cfg.Admin.Users {
			users = append(users, admin.User{Username: u.Username, PasswordHash: u.PasswordHash})
		}

		auth := admin.NewAuth(admin.AuthConfig{
			JWTSecret: cfg.Admin.JWTSecret,
			JWTExpiry: cfg.Admin.JWTExpiry,
			Users:     users,
		}, logger)

		broadcaster := admin.NewBroadcaster(logger)
		events = broadcaster

		adminServer = admin.NewServer(admin.Addr(cfg.Admin.Host, cfg.Admin.Port), auth, broadcaster, logger)
		adminServer.Start()
	}

	members, err := loadFleetMembers(cfg)
	if err != nil {
		logger.Error("Failed to load station templates", "error", err)
		os.Exit(1)
	}

	fleet := station.NewFleet(members, station.RuntimeConfig{
		SupervisionURL: cfg.Supervision.URL,
		RequestTimeout: cfg.Supervision.RequestTimeout,
		Debug:          cfg.Fleet.Debug,
	}, persistence, events, logger)

	// Traffic logging rides on the same MongoDB connection.
	if mongoClient != nil {
		messages := storage.NewMessageRepository(mongoClient)
		fleet.ForEach(func(rt *station.Runtime) {
			rt.SetFrameLog(func(stationID, direction string, data []byte) {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				doc := storage.MessageDocument{
					StationID: stationID,
					Direction: direction,
					Raw:       string(data),
				}
				if id, err := ocpp.MessageID(data); err == nil {
					doc.UniqueID = id
				}
				if err := messages.Log(ctx, doc); err != nil {
					logger.Debug("Message log write failed", "error", err)
				}
			})
		})
	}

	logger.Info("Fleet assembled", "stations", fleet.Size())
	fleet.StartAll()

	// Wait for shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	fleet.StopAll()

	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		adminServer.Shutdown(ctx)
		cancel()
	}

	if mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		mongoClient.Close(ctx)
		cancel()
	}

	logger.Info("Shutdown complete")
}

// loadFleetMembers resolves the configured template names against the
// template directory.
func loadFleetMembers(cfg *config.Config) ([]station.FleetMember, error) {
	var members []station.FleetMember
	for _, entry := range cfg.Fleet.Stations {
		path := filepath.Join(cfg.Fleet.TemplateDir, entry.Template+".json")
		tpl, err := station.LoadTemplate(path)
		if err != nil {
			return nil, err
		}
		members = append(members, station.FleetMember{Template: tpl, Count: entry.Count})
	}
	return members, nil
}

func initLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
