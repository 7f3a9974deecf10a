package index

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEvent(id, eventType string, offset time.Duration) models.Event {
	return models.Event{
		ID:        id,
		Timestamp: base.Add(offset),
		EventType: eventType,
		Source:    "test",
		Severity:  models.SeverityLow,
		Message:   "event " + id,
	}
}

func newTestIndex(t *testing.T, capacity int) *Index {
	t.Helper()
	idx, err := NewIndex(capacity, 1000)
	require.NoError(t, err)
	return idx
}

func TestInsertNewestFirst(t *testing.T) {
	idx := newTestIndex(t, 10)

	idx.Insert(newEvent("a", models.EventTypeProcessAnomaly, 0))
	idx.Insert(newEvent("b", models.EventTypeProcessAnomaly, time.Second))
	idx.Insert(newEvent("c", models.EventTypeProcessAnomaly, 2*time.Second))

	events := idx.EventsForType(models.EventTypeProcessAnomaly)
	require.Len(t, events, 3)
	assert.Equal(t, "c", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
	assert.Equal(t, "a", events[2].ID)
}

func TestInsertOrderIsArrivalNotTimestamp(t *testing.T) {
	idx := newTestIndex(t, 10)

	// an event with an older clock still lands at the head of its own type
	idx.Insert(newEvent("late", models.EventTypeDNSRequest, 10*time.Second))
	idx.Insert(newEvent("skewed", models.EventTypeDNSRequest, 0))

	events := idx.EventsForType(models.EventTypeDNSRequest)
	require.Len(t, events, 2)
	assert.Equal(t, "skewed", events[0].ID)
}

func TestRetentionEvictsOldest(t *testing.T) {
	const capacity = 5
	idx := newTestIndex(t, capacity)

	for i := 0; i <= capacity; i++ {
		idx.Insert(newEvent(fmt.Sprintf("e%d", i), models.EventTypeFileIntegrityChange, time.Duration(i)*time.Second))
	}

	events := idx.EventsForType(models.EventTypeFileIntegrityChange)
	require.Len(t, events, capacity)
	assert.Equal(t, "e5", events[0].ID)
	assert.Equal(t, "e1", events[capacity-1].ID)
	for _, e := range events {
		assert.NotEqual(t, "e0", e.ID)
	}
	assert.Equal(t, capacity, idx.Count(models.EventTypeFileIntegrityChange))
}

func TestDefaultCapacity(t *testing.T) {
	idx, err := NewIndex(0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, idx.Capacity())
}

func TestDuplicateIDRejected(t *testing.T) {
	idx := newTestIndex(t, 10)

	assert.True(t, idx.Add(newEvent("dup", models.EventTypeSSHKeyChange, 0)))
	assert.False(t, idx.Add(newEvent("dup", models.EventTypeSSHKeyChange, time.Second)))
	assert.Equal(t, 1, idx.Count(models.EventTypeSSHKeyChange))
}

func TestRepeatedContentRejectedWithinWindow(t *testing.T) {
	idx, err := NewIndex(10, 1000, WithContentDedupWindow(100*time.Millisecond))
	require.NoError(t, err)

	first := newEvent("a", models.EventTypeFileIntegrityChange, 0)
	first.Message = "/Users/demo/report.docx encrypted"
	first.Context = map[string]interface{}{"path": "/Users/demo/report.docx", "size": 2048}

	again := first
	again.ID = "b"
	again.Timestamp = first.Timestamp.Add(time.Second)
	again.Context = map[string]interface{}{"size": 2048, "path": "/Users/demo/report.docx"}

	other := again
	other.ID = "c"
	other.Context = map[string]interface{}{"path": "/Users/demo/notes.txt", "size": 2048}

	assert.True(t, idx.Add(first))
	assert.False(t, idx.Add(again), "same content under a new id")
	assert.True(t, idx.Add(other), "different context")
	assert.Equal(t, 2, idx.Count(models.EventTypeFileIntegrityChange))

	// accepted again once the window has passed
	require.Eventually(t, func() bool {
		again.ID = fmt.Sprintf("b-%d", time.Now().UnixNano())
		return idx.Add(again)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestContentDedupDisabled(t *testing.T) {
	idx, err := NewIndex(10, 1000, WithContentDedupWindow(0))
	require.NoError(t, err)

	e := newEvent("a", models.EventTypeCronModification, 0)
	assert.True(t, idx.Add(e))
	e.ID = "b"
	assert.True(t, idx.Add(e))
	assert.Equal(t, 2, idx.Count(models.EventTypeCronModification))
}

func TestContentHashIgnoresIDAndTimestamp(t *testing.T) {
	a := newEvent("a", models.EventTypeSSHKeyChange, 0)
	b := a
	b.ID = "b"
	b.Timestamp = a.Timestamp.Add(time.Minute)
	assert.Equal(t, contentHash(a), contentHash(b))

	b.Severity = models.SeverityHigh
	assert.NotEqual(t, contentHash(a), contentHash(b))
}

func TestMissingTypeRejected(t *testing.T) {
	idx := newTestIndex(t, 10)
	assert.False(t, idx.Add(newEvent("x", "", 0)))
	assert.Equal(t, 0, idx.TotalCount())
}

func TestEventsForTypesSortedByTimestamp(t *testing.T) {
	idx := newTestIndex(t, 10)

	idx.Insert(newEvent("p1", models.EventTypeProcessAnomaly, 1*time.Second))
	idx.Insert(newEvent("n1", models.EventTypeNetworkConnection, 3*time.Second))
	idx.Insert(newEvent("p2", models.EventTypeProcessAnomaly, 2*time.Second))
	idx.Insert(newEvent("f1", models.EventTypeFileIntegrityChange, 4*time.Second))

	events := idx.EventsForTypes([]string{models.EventTypeProcessAnomaly, models.EventTypeNetworkConnection})
	require.Len(t, events, 3)
	assert.Equal(t, []string{"n1", "p2", "p1"}, ids(events))

	all := idx.AllEvents()
	assert.Equal(t, []string{"f1", "n1", "p2", "p1"}, ids(all))
}

func TestEventsForTypesIgnoresRepeatedTypes(t *testing.T) {
	idx := newTestIndex(t, 10)
	idx.Insert(newEvent("p1", models.EventTypeProcessAnomaly, 0))

	events := idx.EventsForTypes([]string{models.EventTypeProcessAnomaly, models.EventTypeProcessAnomaly})
	assert.Len(t, events, 1)
}

func TestSinceInclusiveLowerBound(t *testing.T) {
	idx := newTestIndex(t, 10)

	idx.Insert(newEvent("old", models.EventTypeProcessAnomaly, -61*time.Second))
	idx.Insert(newEvent("edge", models.EventTypeProcessAnomaly, -60*time.Second))
	idx.Insert(newEvent("new", models.EventTypeNetworkConnection, 0))

	window := idx.Since(base.Add(-60 * time.Second))
	assert.ElementsMatch(t, []string{"edge", "new"}, ids(window))
}

func TestCountsAndClear(t *testing.T) {
	idx := newTestIndex(t, 10)

	idx.Insert(newEvent("a", models.EventTypeProcessAnomaly, 0))
	idx.Insert(newEvent("b", models.EventTypeProcessAnomaly, 0))
	idx.Insert(newEvent("c", models.EventTypeCronModification, 0))

	assert.Equal(t, 3, idx.TotalCount())
	assert.Equal(t, map[string]int{
		models.EventTypeProcessAnomaly:   2,
		models.EventTypeCronModification: 1,
	}, idx.Counts())

	idx.ClearType(models.EventTypeProcessAnomaly)
	assert.Equal(t, 0, idx.Count(models.EventTypeProcessAnomaly))
	assert.Equal(t, 1, idx.TotalCount())

	idx.ClearType("never_seen")

	idx.Clear()
	assert.Equal(t, 0, idx.TotalCount())
	assert.Empty(t, idx.AllEvents())

	// ids are forgotten after a full clear
	assert.True(t, idx.Add(newEvent("a", models.EventTypeProcessAnomaly, 0)))
}

func TestSnapshotUnaffectedByLaterInserts(t *testing.T) {
	idx := newTestIndex(t, 3)
	idx.Insert(newEvent("a", models.EventTypeProcessAnomaly, 0))
	snap := idx.EventsForType(models.EventTypeProcessAnomaly)

	idx.Insert(newEvent("b", models.EventTypeProcessAnomaly, time.Second))
	idx.Insert(newEvent("c", models.EventTypeProcessAnomaly, 2*time.Second))

	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID)
}

func TestConcurrentProducers(t *testing.T) {
	const (
		producers = 16
		perWorker = 200
		capacity  = 100
	)
	idx := newTestIndex(t, capacity)
	types := []string{models.EventTypeProcessAnomaly, models.EventTypeNetworkConnection}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				e := newEvent(fmt.Sprintf("p%d-%d", p, i), types[i%2], time.Duration(i)*time.Millisecond)
				idx.Insert(e)
				// readers run alongside writers
				_ = idx.EventsForTypes(types)
			}
		}(p)
	}
	wg.Wait()

	for _, typ := range types {
		events := idx.EventsForType(typ)
		assert.Len(t, events, capacity)
		seen := make(map[string]bool)
		for _, e := range events {
			assert.False(t, seen[e.ID], "duplicate %s", e.ID)
			seen[e.ID] = true
			assert.Equal(t, typ, e.EventType)
		}
	}
}

func ids(events []models.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
