// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package timeline

// Category tells what kind of payload a storage item carries. It selects
// the upload concurrency budget and the object key extension.
type Category string

const (
	CategoryVideo    Category = "video"
	CategorySnapshot Category = "snapshot"
	CategoryFileMeta Category = "file_meta"
)

// Ext returns the object key extension for the category.
func (c Category) Ext() string {
	switch c {
	case CategorySnapshot:
		return ".jpg"
	case CategoryFileMeta:
		return ".json"
	default:
		return ".mp4"
	}
}

// MediaType returns the default media type for the category.
func (c Category) MediaType() string {
	switch c {
	case CategorySnapshot:
		return "image/jpeg"
	case CategoryFileMeta:
		return "application/json"
	default:
		return "video/mp4"
	}
}

// ItemState tracks how far an item has been materialized.
type ItemState int

const (
	ItemEmpty ItemState = iota
	ItemLoaded
	ItemAsyncReady
)

// Item is one timed payload in a store: a recording chunk, a snapshot,
// or a file-meta document. Items are created by List, filled by Load,
// and dropped once their upload terminates.
type Item struct {
	Period    Period
	Category  Category
	MediaType string
	State     ItemState
	Payload   []byte
}

// NewItem returns an empty item for the given period and category.
func NewItem(p Period, c Category) *Item {
	return &Item{Period: p, Category: c, MediaType: c.MediaType()}
}

// Valid reports whether the item has a valid, non-null period.
func (it *Item) Valid() bool {
	return it != nil && it.Period.IsValid()
}

// Size returns the payload size in bytes.
func (it *Item) Size() int64 {
	return int64(len(it.Payload))
}
