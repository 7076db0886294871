// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package timeline provides the time, period, and storage primitives shared
// by the recording synchronizer and the stores it reads from and writes to.
//
// All times are UTC with microsecond precision. Two wire forms exist:
// the canonical ISO form with separators for API fields, and a packed form
// without separators for storage keys and file_time fields.
package timeline

import (
	"fmt"
	"strings"
	"time"
)

// Layouts for the canonical (API) and packed (storage key) time forms.
const (
	canonicalLayout = "2006-01-02T15:04:05"
	packedLayout    = "20060102T150405"
	fractionDigits  = 6
)

// Time is an absolute UTC instant with microsecond precision.
// The zero value is the null sentinel.
type Time struct {
	time.Time
}

// Max is the maximal representable Time, used as the effective end of
// open periods.
var Max = Time{time.Date(9999, time.December, 31, 23, 59, 59, 999999000, time.UTC)}

// NewTime converts a stdlib time to a timeline Time (UTC, truncated to µs).
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Microsecond)}
}

// IsNull reports whether t is the null sentinel.
func (t Time) IsNull() bool {
	return t.Time.IsZero()
}

// Before reports whether t is strictly before u.
func (t Time) Before(u Time) bool {
	return t.Time.Before(u.Time)
}

// After reports whether t is strictly after u.
func (t Time) After(u Time) bool {
	return t.Time.After(u.Time)
}

// Equal reports whether t and u are the same instant.
func (t Time) Equal(u Time) bool {
	return t.Time.Equal(u.Time)
}

// Add returns t shifted by d.
func (t Time) Add(d time.Duration) Time {
	return Time{t.Time.Add(d)}
}

// Sub returns the duration t-u.
func (t Time) Sub(u Time) time.Duration {
	return t.Time.Sub(u.Time)
}

// Canonical returns the ISO form with separators, e.g.
// 2026-08-25T14:00:15.250000.
func (t Time) Canonical() string {
	return fmt.Sprintf("%s.%06d", t.Time.UTC().Format(canonicalLayout), t.micros())
}

// Packed returns the separator-free form used in storage keys and
// file_time fields, e.g. 20260825T140015250000.
func (t Time) Packed() string {
	return fmt.Sprintf("%s%06d", t.Time.UTC().Format(packedLayout), t.micros())
}

func (t Time) micros() int {
	return t.Time.Nanosecond() / int(time.Microsecond)
}

func (t Time) String() string {
	if t.IsNull() {
		return "null"
	}
	return t.Canonical()
}

// MarshalJSON writes the canonical form, or JSON null for the null sentinel.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsNull() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Canonical() + `"`), nil
}

// UnmarshalJSON accepts null or any form ParseTime accepts.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		*t = Time{}
		return nil
	}
	s = strings.Trim(s, `"`)
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTime parses any of the accepted time forms:
// canonical 2006-01-02T15:04:05.999999, packed 20060102T150405999999,
// and packed with a fraction dot 20060102T150405.999999.
// The fraction is optional in all forms. A trailing Z is tolerated.
func ParseTime(s string) (Time, error) {
	in := strings.TrimSuffix(s, "Z")
	layout := canonicalLayout
	secLen := len(canonicalLayout)
	if len(in) >= len(packedLayout) && !strings.ContainsRune(in[:10], '-') {
		layout = packedLayout
		secLen = len(packedLayout)
	}
	if len(in) < secLen {
		return Time{}, fmt.Errorf("time %q too short", s)
	}
	base, err := time.ParseInLocation(layout, in[:secLen], time.UTC)
	if err != nil {
		return Time{}, fmt.Errorf("time %q: %w", s, err)
	}
	frac := strings.TrimPrefix(in[secLen:], ".")
	if frac == "" {
		return Time{base}, nil
	}
	for _, c := range frac {
		if c < '0' || c > '9' {
			return Time{}, fmt.Errorf("time %q has a bad fraction", s)
		}
	}
	if len(frac) > fractionDigits {
		frac = frac[:fractionDigits]
	}
	us := 0
	for _, c := range frac {
		us = us*10 + int(c-'0')
	}
	for i := len(frac); i < fractionDigits; i++ {
		us *= 10
	}
	return Time{base.Add(time.Duration(us) * time.Microsecond)}, nil
}

// MinTime returns the earlier of a and b.
func MinTime(a, b Time) Time {
	if a.Before(b) {
		return a
	}
	return b
}

// MaxOf returns the later of a and b.
func MaxOf(a, b Time) Time {
	if a.After(b) {
		return a
	}
	return b
}
