// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package web serves the stream directory and the HTTP API.
package web

import (
	"net/http"

	"zeromirror/pkg/log"
	"zeromirror/pkg/metrics"
	"zeromirror/pkg/system"

	"github.com/go-chi/chi/v5"
)

// Config router dependencies.
type Config struct {
	// StreamDir is served under /stream/.
	StreamDir string

	// Notify is the websocket endpoint of the notification hub.
	Notify http.Handler

	Logger  *log.Logger
	LogDB   *log.DB
	Metrics *metrics.Metrics
	Status  func() system.Status

	// Clients returns the number of connected notification clients.
	Clients func() int
}

// NewRouter returns the HTTP handler of the application.
func NewRouter(c Config) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.RequestMiddleware(c.Metrics))

	r.Handle("/stream/*", http.StripPrefix("/stream/", StreamFiles(c.StreamDir)))
	r.Handle("/ws", c.Notify)
	r.Handle("/metrics", c.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Handle("/log/query", LogQuery(c.LogDB))
		r.Handle("/log/feed", LogFeed(c.Logger))
		r.Handle("/system/status", SystemStatus(c.Status, c.Clients))
	})
	return r
}
