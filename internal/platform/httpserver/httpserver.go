// Package httpserver builds the HTTP server behind the CLI's ops endpoints.
package httpserver

import (
	"net/http"
	"time"
)

// New returns a server for handler on addr. Scrapes and health checks are
// small, so every timeout is short.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
