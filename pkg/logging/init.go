// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dusted-go/logging/prettylog"
)

// handlerFor returns a slog handler writing to w in the named format.
// The pretty handler picks its own writer.
func handlerFor(logFormat string, w io.Writer) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: logLevel}
	switch logFormat {
	case LogText:
		return slog.NewTextHandler(w, opts), nil
	case LogJSON:
		return slog.NewJSONHandler(w, opts), nil
	case LogPretty:
		return prettylog.NewHandler(opts), nil
	case LogDiscard:
		return slog.NewTextHandler(io.Discard, opts), nil
	default:
		return nil, fmt.Errorf("log format %q not known", logFormat)
	}
}

// InitSlog configures the process-wide slog logger. The level can be
// changed at runtime with SetLogLevel; the format is fixed for the
// lifetime of the process.
func InitSlog(level string, logFormat string) error {
	logLevel = new(slog.LevelVar)
	if err := SetLogLevel(level); err != nil {
		return err
	}
	h, err := handlerFor(logFormat, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(h))
	return nil
}
