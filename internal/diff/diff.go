// Package diff selects the feed entries that still have to be reported on
// each channel.
package diff

import (
	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/dedupe"
)

// Entry is an outdated status together with the channels that have not yet
// been told about its current version-state.
type Entry struct {
	Status   core.PackageStatus
	Channels []string
}

// ComputeNewEntries returns, in feed order, every outdated status that at
// least one of channels has not been notified about at its current version.
//
// When the snapshot lists an identity more than once the last occurrence
// wins, at the position of the first one. Statuses that are not outdated are
// dropped and leave the seen-set alone, so a package that recovers and then
// goes stale again at an already reported version is not re-notified.
func ComputeNewEntries(snapshot []core.PackageStatus, seen dedupe.SeenSet, channels []string) []Entry {
	latest := latestByIdentity(snapshot)

	entries := []Entry{}
	for _, status := range latest {
		if !status.Outdated {
			continue
		}
		pending := pendingChannels(status, seen[status.Identity()], channels)
		if len(pending) == 0 {
			continue
		}
		entries = append(entries, Entry{Status: status, Channels: pending})
	}
	return entries
}

func latestByIdentity(snapshot []core.PackageStatus) []core.PackageStatus {
	position := make(map[string]int, len(snapshot))
	out := make([]core.PackageStatus, 0, len(snapshot))
	for _, status := range snapshot {
		id := status.Identity()
		if id == "" {
			continue
		}
		if idx, ok := position[id]; ok {
			out[idx] = status
			continue
		}
		position[id] = len(out)
		out = append(out, status)
	}
	return out
}

func pendingChannels(status core.PackageStatus, record dedupe.SeenRecord, channels []string) []string {
	state := status.VersionState()
	var pending []string
	for _, channel := range channels {
		notified, ok := record.Version(channel)
		if ok && (notified == state || dedupe.CompareVersions(state, notified) <= 0) {
			continue
		}
		pending = append(pending, channel)
	}
	return pending
}
