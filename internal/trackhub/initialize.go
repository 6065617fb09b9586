package trackhub

import (
	"context"
	"fmt"
	"os"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/notifier"
	"github.com/autopeer-io/fleettrack/internal/trackhub/server"
	"github.com/autopeer-io/fleettrack/internal/trackhub/storage/memory"
	"github.com/autopeer-io/fleettrack/internal/trackhub/storage/postgres"
	"github.com/autopeer-io/fleettrack/pkg/log"
	"github.com/autopeer-io/fleettrack/pkg/mqtt"
	"github.com/autopeer-io/fleettrack/pkg/options"
)

func initializeStore(ctx context.Context, opts *options.StoreOptions, seed *memory.Seed) (core.Store, error) {
	switch opts.Driver {
	case options.StoreDriverMemory:
		store := memory.New()
		if err := store.Apply(seed); err != nil {
			return nil, fmt.Errorf("failed to apply seed: %w", err)
		}
		log.Warn("Using in-memory store, data is lost on restart")
		return store, nil

	case options.StoreDriverPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            opts.DSN,
			MaxConns:       opts.MaxConns,
			ConnectTimeout: opts.ConnectTimeout,
		})
		if err != nil {
			log.Error(err, "failed to connect to postgres")
			return nil, err
		}
		if opts.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// initializeNotifier returns the MQTT notifier and the server that drives it when MQTT is enabled,
// and a no-op notifier otherwise.
func initializeNotifier(opts *options.MqttOptions) (core.EventNotifier, server.Server, error) {
	if !opts.Enabled {
		return notifier.Nop{}, nil, nil
	}

	cfg := opts.ToClientConfig()
	if cfg.ClientID == "" {
		hostname, _ := os.Hostname()
		cfg.ClientID = fmt.Sprintf("ftrack-hub-%s", hostname)
	}
	notifier.WillConfig(cfg, opts.TopicRoot, cfg.ClientID)

	client, err := mqtt.NewClient(cfg)
	if err != nil {
		log.Error(err, "failed to new mqtt client")
		return nil, nil, err
	}

	n := notifier.NewMQTTNotifier(client, notifier.Options{
		TopicRoot: opts.TopicRoot,
		HubID:     cfg.ClientID,
		QoS:       opts.QoS,
		QueueSize: opts.QueueSize,
	})
	return n, n, nil
}
