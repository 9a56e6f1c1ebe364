package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"modeld/pkg/bus"
	"modeld/pkg/events"
)

// StartIngest consumes health events off the bus and persists them through
// the store. Serving replicas publish to one subject; the queue group keeps
// multiple ingest workers from double-writing.
func StartIngest(ctx context.Context, b *bus.Bus, store *Store, logger *log.Logger) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}

	return b.QueueSubscribe(ctx, events.SubjectCanaryHealth, "signals-ingest", "signals",
		func(ctx context.Context, data []byte) error {
			var evt events.CanaryHealth
			if err := json.Unmarshal(data, &evt); err != nil {
				// Malformed payloads never become valid; drop instead of
				// redelivering forever.
				if logger != nil {
					logger.Printf("level=warn msg=\"dropping malformed health event\" err=%q", err)
				}
				return nil
			}

			report := Report{
				DeploymentID: evt.DeploymentID,
				Requests:     evt.Requests,
				Errors:       evt.Errors,
				LatenciesMS:  evt.LatenciesMS,
				At:           evt.At,
			}
			if err := store.Ingest(ctx, report); err != nil {
				return fmt.Errorf("ingest health report: %w", err)
			}
			return nil
		})
}
