// Package trackhub assembles the tracking hub from its adapters and runs it.
package trackhub

import (
	"context"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core/credential"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/detection"
	"github.com/autopeer-io/fleettrack/internal/trackhub/registry"
	"github.com/autopeer-io/fleettrack/internal/trackhub/server"
	httpserver "github.com/autopeer-io/fleettrack/internal/trackhub/server/http"
	"github.com/autopeer-io/fleettrack/internal/trackhub/session"
	"github.com/autopeer-io/fleettrack/internal/trackhub/storage/memory"
	"github.com/autopeer-io/fleettrack/pkg/options"
)

type Config struct {
	HttpOptions       *options.HttpOptions
	StoreOptions      *options.StoreOptions
	CredentialOptions *options.CredentialOptions
	DetectionOptions  *options.DetectionOptions
	SessionOptions    *options.SessionOptions
	MqttOptions       *options.MqttOptions

	// Seed is loaded into the memory store. It is ignored by other drivers.
	Seed *memory.Seed

	// Clock defaults to the wall clock.
	Clock clock.WithTicker
}

func (cfg *Config) NewHubServer(ctx context.Context) (*HubServer, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	// 1. Infrastructure: Storage (Secondary Adapter)
	store, err := initializeStore(ctx, cfg.StoreOptions, cfg.Seed)
	if err != nil {
		return nil, err
	}

	// 2. Infrastructure: Notifier (Secondary Adapter)
	notifierAdapter, notifierServer, err := initializeNotifier(cfg.MqttOptions)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to init notifier: %w", err)
	}

	policy, err := registry.ParsePolicy(cfg.SessionOptions.DevicePolicy)
	if err != nil {
		store.Close()
		return nil, err
	}

	// 3. Core Domain Services
	creds := credential.NewService(store.Units(), store.Credentials(), credential.WithClock(clk))
	engine := detection.NewEngine(
		detection.Config{
			RouteDeviationMeters: cfg.DetectionOptions.RouteDeviationMeters,
			SpeedLimit:           cfg.DetectionOptions.SpeedLimit,
			StopSpeed:            cfg.DetectionOptions.StopSpeed,
			StopDuration:         cfg.DetectionOptions.StopDuration,
		},
		store.Routes(), store.RuntimeStates(), store.Evaluations(),
		detection.WithClock(clk),
	)
	reg := registry.New(registry.WithPolicy(policy), registry.WithClock(clk))
	sessions := session.NewHandler(cfg.sessionConfig(), creds, engine, reg,
		session.WithClock(clk),
		session.WithNotifier(notifierAdapter),
	)

	// 4. Ingress Servers (Primary Adapters)
	httpServer := httpserver.NewServer(cfg.HttpOptions, httpserver.Deps{
		Sessions:    sessions,
		Credentials: creds,
		Store:       store,
		Registry:    reg,
	})

	servers := []server.Server{
		httpServer,
		creds,
		newReaper(creds, cfg.CredentialOptions.ReapInterval, cfg.CredentialOptions.Retention, clk),
	}
	if notifierServer != nil {
		servers = append(servers, notifierServer)
	}

	return &HubServer{
		serverManager: server.NewManager(servers...),
		store:         store,
	}, nil
}

func (cfg *Config) sessionConfig() session.Config {
	return session.Config{
		AuthTimeout:           cfg.SessionOptions.AuthTimeout,
		IdleTimeout:           cfg.SessionOptions.IdleTimeout,
		OutboxSize:            cfg.SessionOptions.OutboxSize,
		RotationCheckInterval: cfg.CredentialOptions.RotationCheckInterval,
		RotationThreshold:     cfg.CredentialOptions.RotationThreshold,
		CredentialTTL:         cfg.CredentialOptions.TTL,
		GracePeriodDays:       cfg.CredentialOptions.GracePeriodDays,
		RotationAckTimeout:    cfg.CredentialOptions.RotationAckTimeout,
	}
}
