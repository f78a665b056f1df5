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

package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"zeromirror/pkg/log"
	"zeromirror/pkg/system"
	"zeromirror/pkg/video/dash"

	"github.com/gorilla/websocket"
)

const jsonContentType = "application/json"

// StreamFiles serves the segments, init segments and manifest.
// Segments are rewritten in place across sessions, nothing is cached.
func StreamFiles(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Path
		if name == "" || containsDotDot(name) || strings.ContainsRune(name, '/') {
			http.Error(w, "invalid file name", http.StatusBadRequest)
			return
		}

		w.Header().Set("Cache-Control", "no-cache")
		switch path.Ext(name) {
		case ".mpd":
			w.Header().Set("Content-Type", dash.ContentType)
		case ".webm":
			w.Header().Set("Content-Type", "video/webm")
		case ".mp4":
			w.Header().Set("Content-Type", "video/mp4")
		}

		// ServeFile will sanitize ".."
		http.ServeFile(w, r, filepath.Join(dir, name))
	})
}

func containsDotDot(v string) bool {
	if !strings.Contains(v, "..") {
		return false
	}
	for _, ent := range strings.FieldsFunc(v, isSlashRune) {
		if ent == ".." {
			return true
		}
	}
	return false
}

func isSlashRune(r rune) bool { return r == '/' || r == '\\' }

func parseCSVParam(query url.Values, key string) []string {
	csv := query.Get(key)
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

func parseLevels(query url.Values) ([]log.Level, error) {
	var levels []log.Level
	for _, levelStr := range parseCSVParam(query, "levels") {
		levelInt, err := strconv.Atoi(levelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid levels list: %w", err)
		}
		levels = append(levels, log.Level(levelInt))
	}
	return levels, nil
}

// LogQuery handles log queries.
func LogQuery(logDB *log.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		limit := query.Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}
		limitInt, err := strconv.Atoi(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
			return
		}

		levels, err := parseLevels(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var timeInt int
		if time := query.Get("time"); time != "" {
			timeInt, err = strconv.Atoi(time)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert time to int: %v", err), http.StatusBadRequest)
				return
			}
		}

		q := log.Query{
			Levels:   levels,
			Sources:  parseCSVParam(query, "sources"),
			Sessions: parseCSVParam(query, "sessions"),
			Time:     log.UnixMicro(timeInt),
			Limit:    limitInt,
		}

		logs, err := logDB.Query(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(logs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// LogFeed opens a websocket with live logs.
func LogFeed(logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		levels, err := parseLevels(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sources := parseCSVParam(query, "sources")

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		// The client never sends anything, reading detects the close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		feed, cancel := logger.Subscribe()
		defer cancel()

		for {
			var entry log.Log
			select {
			case e, ok := <-feed:
				if !ok {
					return
				}
				entry = e
			case <-closed:
				return
			}

			if !log.LevelInLevels(entry.Level, levels) {
				continue
			}
			if !log.StringInStrings(entry.Src, sources) {
				continue
			}
			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}

type statusResponse struct {
	system.Status
	NotifyClients int `json:"notifyClients"`
}

// SystemStatus returns the current CPU, RAM and disk usage
// and the number of connected notification clients.
func SystemStatus(status func() system.Status, clients func() int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		res := statusResponse{Status: status()}
		if clients != nil {
			res.NotifyClients = clients()
		}
		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
