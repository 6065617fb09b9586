package trackhub

import (
	"context"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/server"
	"github.com/autopeer-io/fleettrack/pkg/log"
)

type HubServer struct {
	serverManager *server.Manager
	store         core.Store
}

// Run starts every component and blocks until ctx is cancelled or one of them fails.
func (h *HubServer) Run(ctx context.Context) error {
	log.Info("Starting Track Hub...")
	defer h.store.Close()

	err := h.serverManager.Start(ctx)
	log.Info("Track Hub stopped")
	return err
}
