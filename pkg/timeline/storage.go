// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package timeline

import "context"

// Storage is the uniform interface over timed stores: the local recordings
// tree on one side and the remote cloud storage on the other. List returns
// the items whose periods intersect [begin, end), sorted by begin, without
// payloads. Items keep the periods they were stored under: a recording
// that straddles the window comes back whole, since the underlying media
// only cuts at its own file boundaries. Load fills an item's payload.
// StoreAsync must not block; done is called exactly once with the outcome,
// and canceled is polled by the transfer layer to abort early.
type Storage interface {
	List(ctx context.Context, begin, end Time) ([]*Item, error)
	Load(ctx context.Context, it *Item) error
	Store(ctx context.Context, it *Item) error
	StoreAsync(it *Item, done func(ok bool), canceled func() bool)
}
