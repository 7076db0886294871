// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package logging

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"
)

func TestInitSlog(t *testing.T) {
	cases := []struct {
		desc      string
		level     string
		format    string
		expectErr bool
	}{
		{"text debug", "DEBUG", LogText, false},
		{"json info", "INFO", LogJSON, false},
		{"pretty warn", "WARN", LogPretty, false},
		{"discard error", "ERROR", LogDiscard, false},
		{"lower case level", "debug", LogText, false},
		{"empty level means info", "", LogDiscard, false},
		{"unknown format", "DEBUG", "fish", true},
		{"unknown level", "FISH", LogText, true},
	}

	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			err := InitSlog(c.level, c.format)
			if c.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			want := strings.ToUpper(c.level)
			if want == "" {
				want = "INFO"
			}
			require.Equal(t, want, LogLevel())
		})
	}
}

func TestSetLogLevel(t *testing.T) {
	require.NoError(t, InitSlog("INFO", LogDiscard))
	require.NoError(t, SetLogLevel("warn"))
	require.Equal(t, "WARN", LogLevel())
	require.Error(t, SetLogLevel("banana"))
	require.Equal(t, "WARN", LogLevel(), "a refused level leaves the old one")
}

func TestSlogMiddleWare(t *testing.T) {
	require.NoError(t, InitSlog("DEBUG", LogDiscard))

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(SlogMiddleWare(slog.Default()))
	router.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fine"))
	})
	router.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ok")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "fine", string(body))

	// A handler panic becomes a 500, not a dropped connection.
	resp, err = http.Get(srv.URL + "/boom")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	require.Equal(t, "-", GetRequestID(r))
}
