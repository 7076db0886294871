// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package timeline

import (
	"fmt"
	"sort"
	"time"
)

// Period is a half-open interval [Begin, End). A null End means the period
// is open-ended (a live tail).
type Period struct {
	Begin Time `json:"begin"`
	End   Time `json:"end,omitempty"`
}

// NewPeriod returns the closed period [begin, end).
func NewPeriod(begin, end Time) Period {
	return Period{Begin: begin, End: end}
}

// OpenPeriod returns the open-ended period starting at begin.
func OpenPeriod(begin Time) Period {
	return Period{Begin: begin}
}

// IsOpen reports whether the period has no end yet.
func (p Period) IsOpen() bool {
	return p.End.IsNull()
}

// IsValid reports whether the period has a begin and, when closed,
// begin <= end.
func (p Period) IsValid() bool {
	if p.Begin.IsNull() {
		return false
	}
	return p.IsOpen() || !p.End.Before(p.Begin)
}

// effEnd is the effective end used by interval math (Max for open periods).
func (p Period) effEnd() Time {
	if p.IsOpen() {
		return Max
	}
	return p.End
}

// Duration returns end-begin for closed periods and 0 for open ones.
func (p Period) Duration() time.Duration {
	if p.IsOpen() {
		return 0
	}
	return p.End.Sub(p.Begin)
}

// Intersects reports whether p and q share any instant.
func (p Period) Intersects(q Period) bool {
	return p.Begin.Before(q.effEnd()) && q.Begin.Before(p.effEnd())
}

// Intersection returns the overlap of p and q, and whether it is non-empty.
func (p Period) Intersection(q Period) (Period, bool) {
	if !p.Intersects(q) {
		return Period{}, false
	}
	begin := MaxOf(p.Begin, q.Begin)
	end := MinTime(p.effEnd(), q.effEnd())
	if end.Equal(Max) {
		return OpenPeriod(begin), true
	}
	return NewPeriod(begin, end), true
}

// Contains reports whether t lies inside [Begin, End).
func (p Period) Contains(t Time) bool {
	return !t.Before(p.Begin) && t.Before(p.effEnd())
}

// Less orders periods by begin time.
func (p Period) Less(q Period) bool {
	return p.Begin.Before(q.Begin)
}

func (p Period) String() string {
	return fmt.Sprintf("[%s, %s)", p.Begin, p.End)
}

// Squash sorts the periods by begin and merges every overlapping or
// touching pair, returning the minimal equivalent set.
func Squash(periods []Period) []Period {
	if len(periods) == 0 {
		return nil
	}
	ps := make([]Period, len(periods))
	copy(ps, periods)
	sort.Slice(ps, func(i, j int) bool { return ps[i].Less(ps[j]) })
	out := ps[:1]
	for _, p := range ps[1:] {
		last := &out[len(out)-1]
		if last.IsOpen() {
			break // an open tail swallows everything after it
		}
		if p.Begin.After(last.End) {
			out = append(out, p)
			continue
		}
		if p.IsOpen() {
			last.End = Time{}
			continue
		}
		last.End = MaxOf(last.End, p.End)
	}
	return out
}
