// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDoSyncGet(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token-1", r.Header.Get("Authorization"))
		w.Header().Set("X-Check", "yes")
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	c := New(Config{Workers: 1})
	defer c.Stop()

	resp, err := c.DoSync(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    srv.URL,
		Header: http.Header{"Authorization": []string{"token-1"}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Ok())
	assert.Equal(t, "pong", string(resp.Body))
	assert.Equal(t, "yes", resp.Header.Get("X-Check"))
}

func TestDoAsyncCallback(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(Config{Workers: 2})
	defer c.Stop()

	done := make(chan *Response, 1)
	err := c.Do(&Request{
		Method: http.MethodPut,
		URL:    srv.URL,
		Body:   []byte("payload"),
	}, func(resp *Response, err error) {
		require.NoError(t, err)
		done <- resp
	})
	require.NoError(t, err)

	select {
	case resp := <-done:
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestPutBodyIntactWithRateLimit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	payload := bytes.Repeat([]byte{0xab}, 200*1024)
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	c := New(Config{Workers: 1})
	defer c.Stop()

	// High enough not to slow the test, low enough to exercise chunking.
	resp, err := c.DoSync(context.Background(), &Request{
		Method:    http.MethodPut,
		URL:       srv.URL,
		Body:      payload,
		RateLimit: 100 * 1024 * 1024,
	})
	require.NoError(t, err)
	assert.True(t, resp.Ok())
	assert.Equal(t, payload, got)
}

func TestThrottleSlowsUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	c := New(Config{Workers: 1})
	defer c.Stop()

	// 8 KiB at 4 KiB/s: the second half must wait on the bucket.
	start := time.Now()
	_, err := c.DoSync(context.Background(), &Request{
		Method:    http.MethodPut,
		URL:       srv.URL,
		Body:      bytes.Repeat([]byte{1}, 8*1024),
		RateLimit: 4 * 1024,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestCanceledProbeAbortsUpload(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	c := New(Config{Workers: 1})
	defer c.Stop()

	var reads atomic.Int32
	_, err := c.DoSync(context.Background(), &Request{
		Method:    http.MethodPut,
		URL:       srv.URL,
		Body:      bytes.Repeat([]byte{1}, 256*1024),
		RateLimit: 16 * 1024, // chunked reads so the probe is consulted
		Canceled:  func() bool { return reads.Add(1) > 2 },
	})
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestCanceledBeforeStart(t *testing.T) {
	c := New(Config{Workers: 1})
	defer c.Stop()
	_, err := c.DoSync(context.Background(), &Request{
		Method:   http.MethodGet,
		URL:      "http://127.0.0.1:1/never",
		Canceled: func() bool { return true },
	})
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestRequestTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{Workers: 1})
	defer c.Stop()

	done := make(chan error, 1)
	require.NoError(t, c.Do(&Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 100 * time.Millisecond,
	}, func(resp *Response, err error) {
		done <- err
	}))
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout did not fire")
	}
}

func TestDoAfterStop(t *testing.T) {
	c := New(Config{Workers: 1})
	c.Stop()
	err := c.Do(&Request{Method: http.MethodGet, URL: "http://example.invalid"}, nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestBuildMultipart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "motion", r.FormValue("event"))
		file, hdr, err := r.FormFile("snapshot")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "snap.jpeg", hdr.Filename)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)
	}))
	defer srv.Close()

	body, contentType, err := BuildMultipart(
		map[string]string{"event": "motion"},
		[]FilePart{{
			Field:       "snapshot",
			FileName:    "snap.jpeg",
			ContentType: "image/jpeg",
			Data:        []byte{0xff, 0xd8, 0xff},
		}},
	)
	require.NoError(t, err)
	require.Contains(t, contentType, "multipart/form-data; boundary=")

	c := New(Config{Workers: 1})
	defer c.Stop()
	resp, err := c.DoSync(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   body,
	})
	require.NoError(t, err)
	assert.True(t, resp.Ok())
}
