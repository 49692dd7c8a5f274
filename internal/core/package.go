package core

import (
	"fmt"
	"strings"
)

// PackageStatus is one package as reported by the outdatedness feed.
// Values are produced fresh on every poll and are not mutated afterwards.
type PackageStatus struct {
	Name            string            `json:"name" yaml:"name"`
	Repository      string            `json:"repository,omitempty" yaml:"repository,omitempty"`
	CurrentVersions []string          `json:"current_versions,omitempty" yaml:"current_versions,omitempty"`
	UpstreamVersion string            `json:"upstream_version,omitempty" yaml:"upstream_version,omitempty"`
	Outdated        bool              `json:"outdated" yaml:"outdated"`
	DetailsURL      string            `json:"details_url,omitempty" yaml:"details_url,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Identity returns the key the package is tracked under in the seen-set.
func (p PackageStatus) Identity() string {
	if p.Repository == "" {
		return p.Name
	}
	return p.Repository + "/" + p.Name
}

// VersionState is the value recorded per channel once a notification for this
// status has been delivered. It is the upstream version when the feed carries
// one and the current versions otherwise.
func (p PackageStatus) VersionState() string {
	if p.UpstreamVersion != "" {
		return p.UpstreamVersion
	}
	return strings.Join(p.CurrentVersions, ",")
}

func (p PackageStatus) String() string {
	return fmt.Sprintf("<(%s) %s: %s -> %s>", p.Repository, p.Name, strings.Join(p.CurrentVersions, ","), p.UpstreamVersion)
}

// Payload is the channel-agnostic rendering of a notification.
type Payload struct {
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// BatchEntry pairs a status selected for notification with its payload and
// the channels that have not yet been told about its current version.
type BatchEntry struct {
	Status   PackageStatus `json:"status"`
	Payload  Payload       `json:"payload"`
	Channels []string      `json:"channels"`
}

// NeedsChannel reports whether the entry still has to be delivered on channel.
func (e BatchEntry) NeedsChannel(channel string) bool {
	for _, name := range e.Channels {
		if name == channel {
			return true
		}
	}
	return false
}

// Outcome is the result of a single (entry, channel) delivery attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// DispatchResult records what happened to one entry on one channel.
type DispatchResult struct {
	Identity string  `json:"identity"`
	Version  string  `json:"version"`
	Channel  string  `json:"channel"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
	Err      error   `json:"-"`
}

// ChannelCounts aggregates outcomes for one channel.
type ChannelCounts struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// CycleSummary is returned to the caller after every dispatch cycle.
type CycleSummary struct {
	Entries  int                      `json:"entries"`
	Channels map[string]ChannelCounts `json:"channels"`
	Failures []DispatchResult         `json:"failures,omitempty"`
}

// Delivered returns the number of delivered pairs across all channels.
func (s CycleSummary) Delivered() int {
	total := 0
	for _, counts := range s.Channels {
		total += counts.Delivered
	}
	return total
}

// Failed returns the number of failed pairs across all channels.
func (s CycleSummary) Failed() int {
	total := 0
	for _, counts := range s.Channels {
		total += counts.Failed
	}
	return total
}

// FeedUnavailableError is returned by sources when no snapshot could be read.
type FeedUnavailableError struct {
	URL string
	Err error
}

func (e *FeedUnavailableError) Error() string {
	return fmt.Sprintf("feed %s unavailable: %v", e.URL, e.Err)
}

func (e *FeedUnavailableError) Unwrap() error {
	return e.Err
}
