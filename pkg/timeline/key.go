// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package timeline

import (
	"fmt"
	"path"
	"strings"
)

// ObjectKey builds the storage key for a slice:
// <prefix>/<YYYYMMDD>/<HH>/<packed-begin>_<packed-end>.<ext>.
// The day and hour directories come from the slice begin. An empty prefix
// yields a bare relative key.
func ObjectKey(prefix string, p Period, ext string) string {
	begin := p.Begin.Time.UTC()
	key := fmt.Sprintf("%s/%02d/%s_%s%s",
		begin.Format("20060102"), begin.Hour(),
		p.Begin.Packed(), p.End.Packed(), ext)
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}

// ParseObjectKey extracts the slice period from a storage key. Only the
// base name matters, so keys with or without directory prefixes parse the
// same way.
func ParseObjectKey(key string) (Period, error) {
	base := path.Base(key)
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	beginStr, endStr, found := strings.Cut(base, "_")
	if !found {
		return Period{}, fmt.Errorf("key %q has no period part", key)
	}
	begin, err := ParseTime(beginStr)
	if err != nil {
		return Period{}, fmt.Errorf("key %q begin: %w", key, err)
	}
	end, err := ParseTime(endStr)
	if err != nil {
		return Period{}, fmt.Errorf("key %q end: %w", key, err)
	}
	p := NewPeriod(begin, end)
	if !p.IsValid() {
		return Period{}, fmt.Errorf("key %q has begin after end", key)
	}
	return p, nil
}
