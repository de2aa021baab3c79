// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package store implements the local record store backing STORE and
// FIND_VALUE: an in-memory, TTL-bearing key/value table with periodic
// garbage collection and owner republish tracking (spec.md §4.2, §4.5).
package store

import (
	"time"

	"github.com/webdht/wdht/pkg/idspace"
)

// MaxValueSize is the largest value a single record may carry
// (spec.md §5).
const MaxValueSize = 4 * 1024

// MinTTL and MaxTTL bound how long a record may be kept before it must
// be republished or dropped (spec.md §4.2).
const (
	MinTTL = 1 * time.Minute
	MaxTTL = 24 * time.Hour
)

// Record is one stored value, keyed by (Key, Publisher) so the same key
// can independently carry different publishers' values (spec.md §4.2 —
// the store never merges or arbitrates between publishers).
type Record struct {
	Key        idspace.ID
	Publisher  idspace.ID
	Value      []byte
	InsertedAt time.Time
	TTL        time.Duration
}

// Expired reports whether the record's TTL has elapsed as of now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.InsertedAt.Add(r.TTL))
}

type recordKey struct {
	key       idspace.ID
	publisher idspace.ID
}
