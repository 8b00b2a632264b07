// Package server contains HTTP handlers for the registry service. This file
// implements the readiness check endpoint.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"
)

// readyHandler returns 200 OK when the service can serve traffic. With a
// PostgreSQL store the database is pinged; the in-memory store is always
// ready.
func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if db, ok := h.store.(interface{ DB() *sql.DB }); ok {
		if err := db.DB().PingContext(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "SOUL_UNAVAILABLE", "database not ready", correlationIDFrom(r.Context()), nil)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
