package gateway

import (
	"context"
	"net/http"
	"time"
)

// Pinger is a dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreState reports which backing the shared store currently runs on.
type StoreState interface {
	Mode() string
}

// Health reports liveness plus per-dependency state. A degraded
// dependency does not fail the endpoint; the gateway keeps serving on
// fallbacks and load balancers should only drop an instance that
// cannot serve at all.
func Health(database Pinger, shared StoreState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbState := "ok"
		if err := database.Ping(ctx); err != nil {
			dbState = "unreachable"
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":       "ok",
			"database":     dbState,
			"shared_store": shared.Mode(),
		})
	}
}
