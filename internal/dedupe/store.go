package dedupe

import (
	"context"
	"time"
)

// Store persists the seen-set: which version of each package has already been
// reported on which channel.
type Store interface {
	// Load returns the persisted seen-set, or an empty one on first run.
	// Unreadable state is reported as *StoreCorruptError, never as empty.
	Load(ctx context.Context) (SeenSet, error)
	// Commit merges the advances into the persisted seen-set in one
	// all-or-nothing write.
	Commit(ctx context.Context, advances []Advance) error
	Close() error
}

// SeenRecord holds, per channel, the last version-state committed for one
// package identity. A channel missing from the map was never committed.
type SeenRecord struct {
	Channels map[string]string `json:"channels"`
}

// Version returns the committed version for channel and whether one exists.
func (r SeenRecord) Version(channel string) (string, bool) {
	if r.Channels == nil {
		return "", false
	}
	v, ok := r.Channels[channel]
	return v, ok
}

// SeenSet maps package identity to its record.
type SeenSet map[string]SeenRecord

// Advance asks the store to record that Version was delivered on Channel.
type Advance struct {
	Identity string `json:"identity"`
	Channel  string `json:"channel"`
	Version  string `json:"version"`
}

// BaselineMarker is a reserved identity recording that a baseline was taken.
// Repology project names never start with "@".
const BaselineMarker = "@baseline"

// BaselineAdvance marks the baseline as taken at the given time.
func BaselineAdvance(at time.Time) Advance {
	return Advance{Identity: BaselineMarker, Channel: "taken", Version: at.UTC().Format(time.RFC3339)}
}

// BaselineTaken reports whether a baseline has ever been committed.
func (s SeenSet) BaselineTaken() bool {
	_, ok := s[BaselineMarker]
	return ok
}

// Packages returns the set without reserved entries.
func (s SeenSet) Packages() SeenSet {
	if !s.BaselineTaken() {
		return s
	}
	out := make(SeenSet, len(s)-1)
	for id, record := range s {
		if id != BaselineMarker {
			out[id] = record
		}
	}
	return out
}

// Clone returns a deep copy of the set.
func (s SeenSet) Clone() SeenSet {
	out := make(SeenSet, len(s))
	for id, record := range s {
		channels := make(map[string]string, len(record.Channels))
		for ch, v := range record.Channels {
			channels[ch] = v
		}
		out[id] = SeenRecord{Channels: channels}
	}
	return out
}

// Apply merges advances into the set in order and returns how many were
// applied. An advance older than the version already recorded for its
// channel is ignored so stored versions never regress.
func (s SeenSet) Apply(advances []Advance) int {
	applied := 0
	for _, adv := range advances {
		if adv.Identity == "" || adv.Channel == "" {
			continue
		}
		record := s[adv.Identity]
		if current, ok := record.Version(adv.Channel); ok && CompareVersions(adv.Version, current) < 0 {
			continue
		}
		if record.Channels == nil {
			record.Channels = map[string]string{}
		}
		record.Channels[adv.Channel] = adv.Version
		s[adv.Identity] = record
		applied++
	}
	return applied
}
