package docmesh

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the document core owns the mergeable value semantics.
// merge must be commutative, associative, and idempotent so that the
// synchronizer never has to order or deduplicate deliveries.

var ErrMerge = errors.New("merge rejected")

type DocumentValue interface {
	// full serialized state, usable as a welcome payload or storage
	// snapshot. never nil, so an empty value stays transmittable.
	Bytes() []byte
	// opaque version cursor describing the current state
	Heads() []byte
	// changes not covered by the `since` cursor. nil `since` means everything.
	// returns nil when the cursor already covers the full state.
	Diff(since []byte) []byte
	// merge a diff or full state produced by another replica.
	// returns whether the value advanced. on error the value is unchanged.
	ApplyChange(change []byte) (bool, error)
}

type DocumentCore interface {
	NewValue() DocumentValue
	LoadValue(fullBytes []byte) (DocumentValue, error)
}

// MapCore is the built-in reference core: a last-writer-wins map where each
// entry carries a ulid stamp. Stamps from one writer are time-ordered, and
// byte order breaks ties between writers.
type MapCore struct {
}

func NewMapCore() *MapCore {
	return &MapCore{}
}

func (self *MapCore) NewValue() DocumentValue {
	return newMapValue()
}

func (self *MapCore) LoadValue(fullBytes []byte) (DocumentValue, error) {
	value := newMapValue()
	if _, err := value.ApplyChange(fullBytes); err != nil {
		return nil, err
	}
	return value, nil
}

type mapChange struct {
	Key   string `cbor:"k"`
	Stamp []byte `cbor:"s"`
	Data  []byte `cbor:"d,omitempty"`
}

type mapCursorEntry struct {
	Key   string `cbor:"k"`
	Stamp []byte `cbor:"s"`
}

type mapEntry struct {
	stamp Id
	data  []byte
}

type MapValue struct {
	stateLock sync.Mutex
	entries   map[string]mapEntry
}

func newMapValue() *MapValue {
	return &MapValue{
		entries: map[string]mapEntry{},
	}
}

func (self *MapValue) Set(key string, data []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entries[key] = mapEntry{
		stamp: NewId(),
		data:  slices.Clone(data),
	}
}

// a delete is a tombstone entry with no data
func (self *MapValue) Delete(key string) {
	self.Set(key, nil)
}

func (self *MapValue) Get(key string) ([]byte, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entry, ok := self.entries[key]
	if !ok || entry.data == nil {
		return nil, false
	}
	return slices.Clone(entry.data), true
}

func (self *MapValue) Keys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	keys := []string{}
	for key, entry := range self.entries {
		if entry.data != nil {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// always non-nil. the empty value has a canonical encoding so it can be
// welcomed to a peer and persisted.
func (self *MapValue) Bytes() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changes := make([]mapChange, 0, len(self.entries))
	for _, key := range sortedKeys(self.entries) {
		entry := self.entries[key]
		changes = append(changes, mapChange{
			Key:   key,
			Stamp: entry.stamp.Bytes(),
			Data:  entry.data,
		})
	}
	changeBytes, err := cbor.Marshal(changes)
	if err != nil {
		panic(err)
	}
	return changeBytes
}

func (self *MapValue) Heads() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	cursor := make([]mapCursorEntry, 0, len(self.entries))
	for _, key := range sortedKeys(self.entries) {
		cursor = append(cursor, mapCursorEntry{
			Key:   key,
			Stamp: self.entries[key].stamp.Bytes(),
		})
	}
	headsBytes, err := cbor.Marshal(cursor)
	if err != nil {
		panic(err)
	}
	return headsBytes
}

func (self *MapValue) Diff(since []byte) []byte {
	// an unreadable cursor falls back to a full diff,
	// which is always safe because merge is idempotent
	sinceStamps := map[string]Id{}
	if since != nil {
		var cursor []mapCursorEntry
		if err := cbor.Unmarshal(since, &cursor); err == nil {
			for _, entry := range cursor {
				if stamp, err := IdFromBytes(entry.Stamp); err == nil {
					sinceStamps[entry.Key] = stamp
				}
			}
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changes := []mapChange{}
	for _, key := range sortedKeys(self.entries) {
		entry := self.entries[key]
		if sinceStamp, ok := sinceStamps[key]; ok && !sinceStamp.LessThan(entry.stamp) {
			continue
		}
		changes = append(changes, mapChange{
			Key:   key,
			Stamp: entry.stamp.Bytes(),
			Data:  entry.data,
		})
	}
	if len(changes) == 0 {
		return nil
	}
	changeBytes, err := cbor.Marshal(changes)
	if err != nil {
		panic(err)
	}
	return changeBytes
}

func (self *MapValue) ApplyChange(change []byte) (bool, error) {
	var changes []mapChange
	if err := cbor.Unmarshal(change, &changes); err != nil {
		return false, fmt.Errorf("%w: %s", ErrMerge, err)
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// validate before mutating so a bad entry cannot leave a partial merge
	stamps := make([]Id, len(changes))
	for i, entry := range changes {
		stamp, err := IdFromBytes(entry.Stamp)
		if err != nil {
			return false, fmt.Errorf("%w: %s", ErrMerge, err)
		}
		if existing, ok := self.entries[entry.Key]; ok && existing.stamp == stamp && !bytes.Equal(existing.data, entry.Data) {
			// equal stamps must carry equal data
			return false, fmt.Errorf("%w: conflicting data for stamp %s", ErrMerge, stamp)
		}
		stamps[i] = stamp
	}

	changed := false
	for i, entry := range changes {
		stamp := stamps[i]
		existing, ok := self.entries[entry.Key]
		if ok && !existing.stamp.LessThan(stamp) {
			continue
		}
		self.entries[entry.Key] = mapEntry{
			stamp: stamp,
			data:  slices.Clone(entry.Data),
		}
		changed = true
	}
	return changed, nil
}

func sortedKeys(entries map[string]mapEntry) []string {
	keys := maps.Keys(entries)
	slices.Sort(keys)
	return keys
}
