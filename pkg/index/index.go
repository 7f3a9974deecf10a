// Package index keeps the most recent security events per event type.
//
// Each type owns its own bucket. Writers to one type serialize on that bucket's
// mutex only, and every write publishes a fresh newest-first slice through an
// atomic pointer, so readers never take a lock and never observe a partially
// updated list.
package index

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/metrics"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// DefaultCapacity is the number of events retained per event type
const DefaultCapacity = 500

// DefaultContentDedupWindow is how long an accepted event suppresses events with the
// same content under a different id
const DefaultContentDedupWindow = 5 * time.Second

// Index is a concurrent, bounded, per-type index of recent events
type Index struct {
	capacity int

	mu      sync.RWMutex
	buckets map[string]*bucket

	// seen remembers recently accepted ids so duplicates are rejected
	seen *lru.Cache[string, struct{}]

	contentWindow time.Duration
	contentMu     sync.Mutex
	recent        *expirable.LRU[uint64, struct{}]
}

// Option configures an Index
type Option func(*Index)

// WithContentDedupWindow sets how long identical event content is suppressed.
// Zero disables content deduplication.
func WithContentDedupWindow(d time.Duration) Option {
	return func(idx *Index) {
		idx.contentWindow = d
	}
}

type bucket struct {
	mu     sync.Mutex
	events atomic.Pointer[[]models.Event]
}

func (b *bucket) load() []models.Event {
	if p := b.events.Load(); p != nil {
		return *p
	}
	return nil
}

// NewIndex creates an index keeping capacity events per type. A dedupCacheSize of
// zero disables duplicate detection, both by id and by content.
func NewIndex(capacity, dedupCacheSize int, opts ...Option) (*Index, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	idx := &Index{
		capacity:      capacity,
		buckets:       make(map[string]*bucket),
		contentWindow: DefaultContentDedupWindow,
	}
	for _, opt := range opts {
		opt(idx)
	}

	if dedupCacheSize > 0 {
		cache, err := lru.New[string, struct{}](dedupCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create dedup cache: %w", err)
		}
		idx.seen = cache

		if idx.contentWindow > 0 {
			idx.recent = expirable.NewLRU[uint64, struct{}](dedupCacheSize, nil, idx.contentWindow)
		}
	}

	return idx, nil
}

// Capacity returns the per-type retention limit
func (idx *Index) Capacity() int {
	return idx.capacity
}

// Insert adds an event at the head of its type's list
func (idx *Index) Insert(e models.Event) {
	idx.Add(e)
}

// Add inserts the event and reports whether it was accepted. Events without a type
// and events whose id was already seen are rejected.
func (idx *Index) Add(e models.Event) bool {
	if e.EventType == "" {
		metrics.EventsRejected.WithLabelValues("missing_type").Inc()
		return false
	}
	if idx.seen != nil && e.ID != "" {
		if found, _ := idx.seen.ContainsOrAdd(e.ID, struct{}{}); found {
			metrics.EventsRejected.WithLabelValues("duplicate_id").Inc()
			logrus.Debugf("Dropping duplicate event %s (%s)", e.ID, e.EventType)
			return false
		}
	}
	if idx.recent != nil && idx.seenContent(e) {
		metrics.EventsRejected.WithLabelValues("duplicate_content").Inc()
		logrus.Debugf("Dropping repeated event %s (%s) within %s", e.ID, e.EventType, idx.contentWindow)
		return false
	}

	b := idx.bucketFor(e.EventType)

	b.mu.Lock()
	old := b.load()
	n := len(old) + 1
	if n > idx.capacity {
		n = idx.capacity
	}
	next := make([]models.Event, n)
	next[0] = e
	copy(next[1:], old)
	b.events.Store(&next)
	b.mu.Unlock()

	metrics.EventsIngested.WithLabelValues(e.EventType).Inc()
	if evicted := len(old) + 1 - n; evicted > 0 {
		metrics.EventsEvicted.WithLabelValues(e.EventType).Add(float64(evicted))
	}
	return true
}

// seenContent reports whether an event with the same content was accepted within the
// content window, recording it otherwise
func (idx *Index) seenContent(e models.Event) bool {
	key := contentHash(e)

	idx.contentMu.Lock()
	defer idx.contentMu.Unlock()
	if _, ok := idx.recent.Peek(key); ok {
		return true
	}
	idx.recent.Add(key, struct{}{})
	return false
}

// contentHash digests everything but the id and timestamp of an event
func contentHash(e models.Event) uint64 {
	d := xxhash.New()
	for _, field := range []string{e.EventType, e.Source, string(e.Severity), e.Category, e.Message} {
		_, _ = d.WriteString(field)
		_, _ = d.Write([]byte{0})
	}
	if len(e.Context) > 0 {
		// map keys are encoded in sorted order
		if ctx, err := json.Marshal(e.Context); err == nil {
			_, _ = d.Write(ctx)
		} else {
			_, _ = d.WriteString(fmt.Sprint(e.Context))
		}
	}
	return d.Sum64()
}

// bucketFor returns the bucket of a type, creating it on first use
func (idx *Index) bucketFor(eventType string) *bucket {
	idx.mu.RLock()
	b, ok := idx.buckets[eventType]
	idx.mu.RUnlock()
	if ok {
		return b
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := idx.buckets[eventType]; ok {
		return b
	}
	b = &bucket{}
	idx.buckets[eventType] = b
	return b
}

// snapshot returns the current buckets without holding the map lock afterwards
func (idx *Index) snapshot() map[string]*bucket {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]*bucket, len(idx.buckets))
	for k, v := range idx.buckets {
		out[k] = v
	}
	return out
}

// EventsForType returns the events of one type, newest first. The returned slice is
// shared and must not be modified.
func (idx *Index) EventsForType(eventType string) []models.Event {
	idx.mu.RLock()
	b, ok := idx.buckets[eventType]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	events := b.load()
	return events[:len(events):len(events)]
}

// EventsForTypes returns the union of the given types sorted by timestamp, newest first
func (idx *Index) EventsForTypes(types []string) []models.Event {
	lists := make([][]models.Event, 0, len(types))
	total := 0
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		events := idx.EventsForType(t)
		lists = append(lists, events)
		total += len(events)
	}
	return mergeNewestFirst(lists, total)
}

// AllEvents returns every indexed event sorted by timestamp, newest first
func (idx *Index) AllEvents() []models.Event {
	buckets := idx.snapshot()
	lists := make([][]models.Event, 0, len(buckets))
	total := 0
	for _, b := range buckets {
		events := b.load()
		lists = append(lists, events)
		total += len(events)
	}
	return mergeNewestFirst(lists, total)
}

// Since returns all events with a timestamp at or after cutoff, in no particular order
func (idx *Index) Since(cutoff time.Time) []models.Event {
	var out []models.Event
	for _, b := range idx.snapshot() {
		for _, e := range b.load() {
			if !e.Timestamp.Before(cutoff) {
				out = append(out, e)
			}
		}
	}
	return out
}

func mergeNewestFirst(lists [][]models.Event, total int) []models.Event {
	merged := make([]models.Event, 0, total)
	for _, l := range lists {
		merged = append(merged, l...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	return merged
}

// Count returns the number of retained events of a type
func (idx *Index) Count(eventType string) int {
	return len(idx.EventsForType(eventType))
}

// TotalCount returns the number of retained events across all types
func (idx *Index) TotalCount() int {
	total := 0
	for _, b := range idx.snapshot() {
		total += len(b.load())
	}
	return total
}

// Counts returns the retained count per event type
func (idx *Index) Counts() map[string]int {
	out := make(map[string]int)
	for t, b := range idx.snapshot() {
		if n := len(b.load()); n > 0 {
			out[t] = n
		}
	}
	return out
}

// Clear drops every event and forgets the ids seen so far
func (idx *Index) Clear() {
	for _, b := range idx.snapshot() {
		b.mu.Lock()
		b.events.Store(nil)
		b.mu.Unlock()
	}
	if idx.seen != nil {
		idx.seen.Purge()
	}
	if idx.recent != nil {
		idx.contentMu.Lock()
		idx.recent.Purge()
		idx.contentMu.Unlock()
	}
}

// ClearType drops the events of one type
func (idx *Index) ClearType(eventType string) {
	idx.mu.RLock()
	b, ok := idx.buckets[eventType]
	idx.mu.RUnlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.events.Store(nil)
	b.mu.Unlock()
}
