// Package store implements the per-group item store and share masks: the
// cached value for each shareable item tag, and the bitmasks that gate
// which item categories are sent or accepted.
package store

import (
	"sort"

	"github.com/tasmota/devgroups/internal/wire"
)

// Store holds a group's current value for every item tag it has seen or
// been told about, plus the masks controlling what crosses the wire.
//
// Writes happen only through the protocol engine's apply path; reads
// happen when building FULL_STATUS or a pending UPDATE.
type Store struct {
	items map[wire.Tag]wire.Item

	// ShareInMask / ShareOutMask select which item categories (see
	// wire.ShareCategory) are accepted / emitted. Default is 0xFFFFFFFF —
	// everything shared.
	ShareInMask  uint32
	ShareOutMask uint32

	// NoStatusShare suppresses items from outgoing FULL_STATUS only; it
	// never affects PARTIAL_UPDATE/UPDATE sends.
	NoStatusShare uint32
}

// New returns a Store with both masks fully open, the default
// configuration.
func New() *Store {
	return &Store{
		items:        make(map[wire.Tag]wire.Item),
		ShareInMask:  0xFFFFFFFF,
		ShareOutMask: 0xFFFFFFFF,
	}
}

// AcceptsIncoming reports whether an item of this tag's category should be
// decoded and applied, per ShareInMask. Tags with ShareCategory none (e.g.
// STATUS, COMMAND) are never blocked.
func (s *Store) AcceptsIncoming(tag wire.Tag) bool {
	cat := tag.Category()
	if cat == wire.ShareNone {
		return true
	}
	return uint32(cat)&s.ShareInMask != 0
}

// AllowsOutgoing reports whether an item of this tag's category may be
// emitted at all, per ShareOutMask.
func (s *Store) AllowsOutgoing(tag wire.Tag) bool {
	cat := tag.Category()
	if cat == wire.ShareNone {
		return true
	}
	return uint32(cat)&s.ShareOutMask != 0
}

// suppressedFromStatus reports whether tag is excluded specifically from
// FULL_STATUS snapshots via NoStatusShare, independent of ShareOutMask.
func (s *Store) suppressedFromStatus(tag wire.Tag) bool {
	cat := tag.Category()
	if cat == wire.ShareNone {
		return false
	}
	return uint32(cat)&s.NoStatusShare != 0
}

// Set records value as the current cached value for its tag.
func (s *Store) Set(item wire.Item) {
	s.items[item.Tag] = item
}

// Get returns the cached value for tag, if present.
func (s *Store) Get(tag wire.Tag) (wire.Item, bool) {
	it, ok := s.items[tag]
	return it, ok
}

// Snapshot returns every stored item eligible for a FULL_STATUS message:
// in ShareOutMask, not suppressed by NoStatusShare, in ascending tag
// order.
func (s *Store) Snapshot() []wire.Item {
	tags := make([]wire.Tag, 0, len(s.items))
	for tag := range s.items {
		if !s.AllowsOutgoing(tag) || s.suppressedFromStatus(tag) {
			continue
		}
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	out := make([]wire.Item, 0, len(tags))
	for _, tag := range tags {
		out = append(out, s.items[tag])
	}
	return out
}
