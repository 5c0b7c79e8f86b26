// Package cache maintains short-lived dashboard aggregates derived from
// committed events. It is never a system of record: every entry expires and
// a failed update only makes dashboards staler.
package cache

import (
	"context"
	"time"

	"github.com/olegiv/xray-audit/internal/model"
)

// Bucket and list lifetimes.
const (
	BucketTTL       = 15 * time.Minute
	ActiveUsersTTL  = 2 * time.Hour
	ActiveUserSpan  = time.Hour
	RecentEventsTTL = 15 * time.Minute
	RecentEventsMax = 1000
	HealthTTL       = 5 * time.Minute
)

// Aggregates defines the rolling-window counters read by dashboards.
// All implementations must be thread-safe.
type Aggregates interface {
	// Record folds freshly committed events into the counters.
	Record(ctx context.Context, events []model.Event) error

	// TopDestinations returns the most contacted hosts in the trailing window.
	TopDestinations(ctx context.Context, window time.Duration, limit int) ([]Count, error)

	// TopSignatures returns the most frequent error signatures in the window.
	TopSignatures(ctx context.Context, window time.Duration, limit int) ([]Count, error)

	// ActiveUsers returns users seen within the window, most recent first.
	ActiveUsers(ctx context.Context, window time.Duration, limit int) ([]ActiveUser, error)

	// RecentEvents returns the newest compact events, newest first.
	RecentEvents(ctx context.Context, limit int) ([]RecentEvent, error)

	// PublishHealth replaces the node's health hash.
	PublishHealth(ctx context.Context, fields map[string]string) error

	// Health returns the node's last published health hash, or nil.
	Health(ctx context.Context) (map[string]string, error)

	// Close releases any resources held by the backend.
	Close() error
}

// StatsProvider is an optional interface for backends that count writes.
type StatsProvider interface {
	Stats() Stats
}

// Stats counts Record calls.
type Stats struct {
	Records  int64 `json:"records"`
	Events   int64 `json:"events"`
	Failures int64 `json:"failures"`
}

// Count is a member of a ranked aggregate.
type Count struct {
	Key  string `json:"key"`
	Hits int64  `json:"hits"`
}

// ActiveUser is a user with their latest event time.
type ActiveUser struct {
	Email    string    `json:"user_email"`
	LastSeen time.Time `json:"last_seen"`
}

// RecentEvent is the compact form kept in the recent-events list.
type RecentEvent struct {
	EventTime  time.Time `json:"event_time"`
	EventType  string    `json:"event_type"`
	Raw        string    `json:"raw"`
	Email      string    `json:"email,omitempty"`
	DestHost   string    `json:"dest_host,omitempty"`
	DestRaw    string    `json:"dest_raw,omitempty"`
	Status     string    `json:"status,omitempty"`
	Confidence string    `json:"confidence,omitempty"`
	DNSServer  string    `json:"dns_server,omitempty"`
	Domain     string    `json:"domain,omitempty"`
	DNSStatus  string    `json:"dns_status,omitempty"`
	Level      string    `json:"level,omitempty"`
	Category   string    `json:"category,omitempty"`
}

// compact converts a committed event into its recent-list form.
func compact(ev *model.Event) RecentEvent {
	r := RecentEvent{EventTime: ev.EventTime.UTC(), EventType: string(ev.Type), Raw: ev.RawText}
	switch {
	case ev.Access != nil:
		r.Email = ev.Access.UserEmail
		r.DestHost = ev.Access.DestHost
		r.DestRaw = ev.Access.DestRaw
		r.Status = ev.Access.Status
		r.Confidence = ev.Access.Confidence
	case ev.DNS != nil:
		r.DNSServer = ev.DNS.Server
		r.Domain = ev.DNS.Domain
		r.DNSStatus = ev.DNS.Status
	case ev.Error != nil:
		r.Level = ev.Error.Level
		r.Category = ev.Error.Category
	}
	return r
}

// minuteBucket names the per-minute bucket an event time falls into.
func minuteBucket(t time.Time) string {
	return t.UTC().Format("200601021504")
}

// windowBuckets lists the minute buckets covering the trailing window,
// newest first. At least one bucket is returned.
func windowBuckets(now time.Time, window time.Duration) []string {
	n := int((window + time.Minute - 1) / time.Minute)
	if n < 1 {
		n = 1
	}
	start := now.UTC().Truncate(time.Minute)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, minuteBucket(start.Add(-time.Duration(i)*time.Minute)))
	}
	return out
}

// Error represents an error type for cache operations.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrCacheClosed indicates the backend has been closed.
	ErrCacheClosed Error = "cache closed"
)
