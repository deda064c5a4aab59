package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store/memory"
)

type fakePublisher struct {
	published []domain.OutboxEvent
	fail      bool
}

func (p *fakePublisher) Publish(_ context.Context, event domain.OutboxEvent) error {
	if p.fail {
		return errors.New("broker down")
	}
	p.published = append(p.published, event)
	return nil
}

func appendEvent(t *testing.T, db *memory.Store, id, name string) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AppendOutbox(ctx, domain.OutboxEvent{
		ID:        id,
		Name:      name,
		Payload:   json.RawMessage(`{"n":1}`),
		Status:    domain.OutboxPending,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, tx.Commit())
}

func TestDrainOncePublishesAndMarksSent(t *testing.T) {
	db := memory.New()
	appendEvent(t, db, "obx-1", "sale.created")
	appendEvent(t, db, "obx-2", "stock.delta")

	pub := &fakePublisher{}
	d := NewDispatcher(db, pub, nil, time.Second, 10)

	require.NoError(t, d.DrainOnce(context.Background()))
	require.Len(t, pub.published, 2)

	pending, err := db.PendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDrainOnceRetriesFailures(t *testing.T) {
	db := memory.New()
	appendEvent(t, db, "obx-1", "sale.created")

	pub := &fakePublisher{fail: true}
	d := NewDispatcher(db, pub, nil, time.Second, 10)
	ctx := context.Background()

	require.NoError(t, d.DrainOnce(ctx))

	// Failed events stay eligible for the next drain.
	pending, err := db.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, domain.OutboxFailed, pending[0].Status)
	require.Equal(t, 1, pending[0].Attempts)

	pub.fail = false
	require.NoError(t, d.DrainOnce(ctx))
	require.Len(t, pub.published, 1)

	pending, err = db.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDrainOnceParksDeadEvents(t *testing.T) {
	db := memory.New()
	appendEvent(t, db, "obx-1", "sale.created")

	pub := &fakePublisher{fail: true}
	d := NewDispatcher(db, pub, nil, time.Second, 10)
	ctx := context.Background()

	for i := 0; i < maxAttempts; i++ {
		require.NoError(t, d.DrainOnce(ctx))
	}

	// Once maxAttempts is spent the event leaves the retry pool for good.
	pending, err := db.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDrainOnceRespectsBatchLimit(t *testing.T) {
	db := memory.New()
	for _, id := range []string{"obx-1", "obx-2", "obx-3"} {
		appendEvent(t, db, id, "sale.created")
	}

	pub := &fakePublisher{}
	d := NewDispatcher(db, pub, nil, time.Second, 2)
	ctx := context.Background()

	require.NoError(t, d.DrainOnce(ctx))
	require.Len(t, pub.published, 2)

	require.NoError(t, d.DrainOnce(ctx))
	require.Len(t, pub.published, 3)
}

func TestRunStopsOnCancel(t *testing.T) {
	db := memory.New()
	d := NewDispatcher(db, &fakePublisher{}, nil, time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
