// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package logging

import (
	"errors"
	"fmt"
	"net/http"
)

// Route is one HTTP route of the ops endpoint.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// LogRoutes exposes the log level for reading and changing at runtime.
var LogRoutes = [2]Route{
	{"GET", "/loglevel", LogLevelGet},
	{"POST", "/loglevel", LogLevelSet},
}

// LogLevelGet reports the current level as a single text line.
func LogLevelGet(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, LogLevel())
}

// LogLevelSet changes the level from a posted level field. Both form
// encodings work:
//
//	curl -d level=debug <server>/loglevel
//	curl -F level=debug <server>/loglevel
func LogLevelSet(w http.ResponseWriter, r *http.Request) {
	err := r.ParseMultipartForm(1 << 10)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		http.Error(w, "bad form data", http.StatusBadRequest)
		return
	}
	level := r.FormValue("level")
	if err := SetLogLevel(level); err != nil {
		http.Error(w, fmt.Sprintf("log level %q not known", level), http.StatusBadRequest)
		return
	}
	fmt.Fprintln(w, LogLevel())
}
