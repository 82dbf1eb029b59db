package events

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmon/internal/codes"
	"meshmon/internal/store"
	"meshmon/pkg/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestEmitter(c *clock) *Emitter {
	e := NewEmitter(codes.NewRegistry(), Config{Suppress: 30 * time.Minute, Retention: 24 * time.Hour})
	e.now = c.now
	n := 0
	e.newID = func() string {
		n++
		return "id-" + strconv.Itoa(n)
	}
	return e
}

func begin(t *testing.T, m *store.Memory) store.Tx {
	t.Helper()
	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

type memEventWriter struct {
	batches [][]*models.Event
	err     error
}

func (w *memEventWriter) WriteEvents(events []*models.Event) error {
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, events)
	return nil
}

func (w *memEventWriter) Close() error { return nil }

func TestWarnDeduplicatesAndSweeps(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	e := newTestEmitter(c)
	tx := begin(t, store.NewMemory())

	created, err := e.Warn(tx, "n1", codes.WarnUnregisteredNode, models.SourceMonitor, map[string]string{"address": "10.0.0.5"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = e.Warn(tx, "n1", codes.WarnUnregisteredNode, models.SourceMonitor, map[string]string{"address": "10.0.0.5"})
	require.NoError(t, err)
	assert.False(t, created)
	_, err = e.Warn(tx, "n2", codes.WarnNoRedundancy, models.SourceMonitor, nil)
	require.NoError(t, err)

	w, err := store.GetWarning(tx, models.WarningKey("n1", codes.WarnUnregisteredNode, models.SourceMonitor))
	require.NoError(t, err)
	assert.Equal(t, "Node 10.0.0.5 is not registered", w.Message)

	marked, err := e.MarkDirty(tx)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	c.t = c.t.Add(5 * time.Minute)
	_, err = e.Warn(tx, "n1", codes.WarnUnregisteredNode, models.SourceMonitor, map[string]string{"address": "10.0.0.5"})
	require.NoError(t, err)

	removed, err := e.SweepDirty(tx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	left, err := store.ListWarnings(tx, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "n1", left[0].NodeID)
	assert.Equal(t, c.t, left[0].Updated)
}

func TestWarnRejectsUnknownCode(t *testing.T) {
	e := newTestEmitter(&clock{})
	tx := begin(t, store.NewMemory())
	_, err := e.Warn(tx, "n1", "no_such_code", models.SourceMonitor, nil)
	assert.Error(t, err)
	_, err = e.Warn(tx, "n1", codes.EventNodeUp, models.SourceMonitor, nil)
	assert.Error(t, err)
	_, err = e.Event(tx, "n1", codes.WarnNoRedundancy, nil)
	assert.Error(t, err)
}

func TestEventSuppression(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	e := newTestEmitter(c)
	tx := begin(t, store.NewMemory())

	created, err := e.Event(tx, "n1", codes.EventNodeUp, nil)
	require.NoError(t, err)
	assert.True(t, created)

	c.t = c.t.Add(10 * time.Minute)
	created, err = e.Event(tx, "n1", codes.EventNodeUp, nil)
	require.NoError(t, err)
	assert.False(t, created)

	evs, err := store.ListEvents(tx, "n1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, 2, evs[0].Counter)

	c.t = c.t.Add(30 * time.Minute)
	created, err = e.Event(tx, "n1", codes.EventNodeUp, nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDeliverRetriesAfterSuppression(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	e := newTestEmitter(c)
	tx := begin(t, store.NewMemory())

	_, err := e.Event(tx, "n1", codes.EventNodeDown, nil)
	require.NoError(t, err)

	w := &memEventWriter{err: errors.New("collector down")}
	stats, err := e.Deliver(tx, w)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	w.err = nil
	c.t = c.t.Add(time.Minute)
	stats, err = e.Deliver(tx, w)
	require.NoError(t, err)
	assert.Equal(t, DeliveryStats{}, stats)

	c.t = c.t.Add(30 * time.Minute)
	stats, err = e.Deliver(tx, w)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	require.Len(t, w.batches, 1)
	assert.Equal(t, codes.EventNodeDown, w.batches[0][0].Code)

	c.t = c.t.Add(24 * time.Hour)
	stats, err = e.Deliver(tx, w)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	evs, err := store.ListEvents(tx, "")
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestRepeatedEventIsDeliveredAgain(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	e := newTestEmitter(c)
	tx := begin(t, store.NewMemory())
	w := &memEventWriter{}

	_, err := e.Event(tx, "n1", codes.EventNodeUp, nil)
	require.NoError(t, err)
	stats, err := e.Deliver(tx, w)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)

	c.t = c.t.Add(10 * time.Minute)
	created, err := e.Event(tx, "n1", codes.EventNodeUp, nil)
	require.NoError(t, err)
	assert.False(t, created)

	// Still inside the window since the last send.
	stats, err = e.Deliver(tx, w)
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)

	c.t = c.t.Add(30 * time.Minute)
	stats, err = e.Deliver(tx, w)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	require.Len(t, w.batches, 2)
	require.Len(t, w.batches[1], 1)
	assert.Equal(t, 2, w.batches[1][0].Counter)

	evs, err := store.ListEvents(tx, "n1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.False(t, evs[0].NeedResend)
}

func TestSweepDirtyKeepsNodesWithUnknownState(t *testing.T) {
	e := newTestEmitter(&clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})
	tx := begin(t, store.NewMemory())

	_, err := e.Warn(tx, "n1", codes.WarnTelemetryError, models.SourceTelemetry, nil)
	require.NoError(t, err)
	_, err = e.Warn(tx, "n2", codes.WarnTelemetryError, models.SourceTelemetry, nil)
	require.NoError(t, err)
	_, err = e.MarkDirty(tx)
	require.NoError(t, err)

	removed, err := e.SweepDirty(tx, map[string]bool{"n1": true})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	left, err := store.ListWarnings(tx, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "n1", left[0].NodeID)
	assert.True(t, left[0].Dirty)
}
