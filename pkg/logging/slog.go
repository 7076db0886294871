// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package logging

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Log output formats.
const (
	LogText    string = "text"
	LogJSON    string = "json"
	LogPretty  string = "pretty"
	LogDiscard string = "discard"
)

// LogFormats returns the allowed log formats.
var LogFormats = []string{LogText, LogJSON, LogPretty, LogDiscard}

// LogLevels returns the allowed log levels.
var LogLevels = []string{"DEBUG", "INFO", "WARN", "ERROR"}

var levelNames = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

var logLevel *slog.LevelVar

// LogLevel returns the current log level.
func LogLevel() string {
	return logLevel.Level().String()
}

// parseLevel parses a log level name. The empty string means INFO.
func parseLevel(level string) (slog.Level, error) {
	if level == "" {
		return slog.LevelInfo, nil
	}
	if l, ok := levelNames[strings.ToUpper(level)]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("log level %q not known", level)
}

// SetLogLevel changes the level of the running logger.
func SetLogLevel(level string) error {
	l, err := parseLevel(level)
	if err != nil {
		return err
	}
	logLevel.Set(l)
	return nil
}

// quietPaths are polled by liveness probes and the metrics scraper.
// One info line per poll would swamp the journal on a device, so
// these are demoted to debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// SlogMiddleWare logs one line per served request and turns panics
// into 500 responses with a stack trace in the log.
func SlogMiddleWare(l *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				if rec := recover(); rec != nil {
					l.Error("panic while serving request",
						"request_id", GetRequestID(r),
						"url", r.URL.Path,
						"recover_info", rec,
						"debug_stack", string(debug.Stack()))
					http.Error(ww, http.StatusText(http.StatusInternalServerError),
						http.StatusInternalServerError)
					return
				}
				logFn := l.Info
				if quietPaths[r.URL.Path] {
					logFn = l.Debug
				}
				attrs := []any{
					"request_id", GetRequestID(r),
					"remote_ip", r.RemoteAddr,
					"method", r.Method,
					"url", r.URL.Path,
					"status", ww.Status(),
					"latency_ms", float64(time.Since(start).Microseconds()) / 1000.0,
					"bytes_out", ww.BytesWritten(),
				}
				if bytesIn := r.Header.Get("Content-Length"); bytesIn != "" {
					attrs = append(attrs, "bytes_in", bytesIn)
				}
				logFn("request", attrs...)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// GetRequestID returns the chi request id, or "-" when the request id
// middleware did not run.
func GetRequestID(r *http.Request) string {
	if id, ok := r.Context().Value(middleware.RequestIDKey).(string); ok {
		return id
	}
	return "-"
}
