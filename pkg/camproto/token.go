// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package camproto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// AccessToken is the base64-encoded JSON blob handed to the device when it
// is attached to an account. It names the camera manager endpoints and the
// per-camera identity.
type AccessToken struct {
	Token         string `json:"token"`
	CamID         string `json:"camid"`
	CmngrID       string `json:"cmngrid"`
	API           string `json:"api"`
	APIPort       int    `json:"api_p"`
	APISecurePort int    `json:"api_sp"`
	Cam           string `json:"cam"`
	CamPort       int    `json:"cam_p"`
	CamSecurePort int    `json:"cam_sp"`
	Proxy         string `json:"proxy,omitempty"`
}

// ParseToken decodes an access token. Standard and URL-safe base64 are
// accepted, with or without padding.
func ParseToken(s string) (AccessToken, error) {
	var tok AccessToken
	raw, err := decodeBase64(strings.TrimSpace(s))
	if err != nil {
		return tok, fmt.Errorf("access token is not base64: %w", err)
	}
	if err := json.Unmarshal(raw, &tok); err != nil {
		return tok, fmt.Errorf("access token is not JSON: %w", err)
	}
	switch {
	case tok.Token == "":
		return tok, fmt.Errorf("%w: token", ErrMissingField)
	case tok.Cam == "":
		return tok, fmt.Errorf("%w: cam", ErrMissingField)
	case tok.API == "":
		return tok, fmt.Errorf("%w: api", ErrMissingField)
	}
	return tok, nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("no base64 variant matched %d bytes", len(s))
}

// Encode packs the token back into standard base64 JSON.
func (t AccessToken) Encode() string {
	raw, _ := json.Marshal(t)
	return base64.StdEncoding.EncodeToString(raw)
}

// APIURI composes the REST endpoint base from the token.
func (t AccessToken) APIURI(secure bool) string {
	if secure {
		return fmt.Sprintf("https://%s:%d", t.API, t.APISecurePort)
	}
	return fmt.Sprintf("http://%s:%d", t.API, t.APIPort)
}

// CamWSURI composes the control-plane WebSocket address from the token.
func (t AccessToken) CamWSURI(secure bool) string {
	if secure {
		return fmt.Sprintf("wss://%s:%d", t.Cam, t.CamSecurePort)
	}
	return fmt.Sprintf("ws://%s:%d", t.Cam, t.CamPort)
}
