// Package broadcast defines the port for fan-out of runtime events to
// connected clients.
package broadcast

import "context"

// Broadcaster pushes typed events to all connected clients. Delivery is
// best-effort; slow or gone clients are dropped, never waited on.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
