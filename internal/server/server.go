package server

import (
	"net/http"
	"time"
)

func New(addr string, healthHandler http.Handler, gateway *Gateway) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)
	if gateway != nil {
		mux.HandleFunc("POST /api/logging", gateway.PostLog)
		mux.HandleFunc("GET /api/logging", gateway.GetStats)
		mux.HandleFunc("GET /api/alerts", gateway.GetAlerts)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
