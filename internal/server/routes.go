package server

import (
	"net/http"
	"time"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(d Deps) http.Handler {
	return newMux(d)
}

func newMux(d Deps) http.Handler {
	h := &handler{deps: d, now: time.Now}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("POST /api/v1/background/start", h.startBackground)
	mux.HandleFunc("POST /api/v1/background/stop", h.stopBackground)
	mux.HandleFunc("GET /api/v1/background/status", h.backgroundStatus)
	mux.HandleFunc("GET /api/v1/background/health", h.backgroundHealth)

	mux.HandleFunc("POST /api/v1/refresh", h.startRefresh)
	mux.HandleFunc("GET /api/v1/refresh", h.listRefreshes)
	mux.HandleFunc("GET /api/v1/refresh/{id}", h.getRefresh)
	mux.HandleFunc("DELETE /api/v1/refresh/{id}", h.cancelRefresh)

	mux.HandleFunc("GET /api/v1/prices/stats", h.priceStats)
	mux.HandleFunc("GET /api/v1/prices/{symbol}", h.getPrice)
	mux.HandleFunc("DELETE /api/v1/prices/{symbol}", h.deletePrice)
	mux.HandleFunc("DELETE /api/v1/prices", h.clearPrices)

	mux.HandleFunc("POST /api/v1/sip/process", h.processSIPs)
	mux.HandleFunc("POST /api/v1/sip/retry", h.retrySIPs)
	mux.HandleFunc("GET /api/v1/sip/stats", h.sipStats)

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
