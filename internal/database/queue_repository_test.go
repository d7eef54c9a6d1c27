package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addQueueItem(t *testing.T, db *DB, id string, priority QueuePriority) *QueueItem {
	t.Helper()

	item := &QueueItem{
		ID:       id,
		Name:     "job-" + id,
		Category: "movies",
		Priority: priority,
	}
	require.NoError(t, db.Queue.Add(item, []byte("<nzb>"+id+"</nzb>")))
	return item
}

func TestQueueAddAndGet(t *testing.T) {
	db := newTestDB(t)

	addQueueItem(t, db, "nzo_1", QueuePriorityNormal)

	got, err := db.Queue.Get("nzo_1")
	require.NoError(t, err)
	assert.Equal(t, "job-nzo_1", got.Name)
	assert.Equal(t, QueueStatusQueued, got.Status)
	assert.False(t, got.IsPaused())

	data, err := db.Queue.NzbContents("nzo_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("<nzb>nzo_1</nzb>"), data)

	_, err = db.Queue.Get("nzo_missing")
	assert.ErrorIs(t, err, ErrQueueItemNotFound)
}

func TestClaimOrderRespectsPriority(t *testing.T) {
	db := newTestDB(t)

	addQueueItem(t, db, "nzo_low", QueuePriorityLow)
	addQueueItem(t, db, "nzo_normal", QueuePriorityNormal)
	addQueueItem(t, db, "nzo_force", QueuePriorityForce)

	// Make the low item oldest: age must not beat priority.
	backdateQueueItem(t, db, "nzo_low", 3600)

	var order []string
	for {
		item, err := db.Queue.ClaimNext()
		require.NoError(t, err)
		if item == nil {
			break
		}
		order = append(order, item.ID)
		assert.Equal(t, QueueStatusParsing, item.Status)
		require.NotNil(t, item.StartedAt)
	}

	assert.Equal(t, []string{"nzo_force", "nzo_normal", "nzo_low"}, order)
}

func TestClaimIsFIFOWithinPriority(t *testing.T) {
	db := newTestDB(t)

	addQueueItem(t, db, "nzo_b", QueuePriorityNormal)
	addQueueItem(t, db, "nzo_a", QueuePriorityNormal)
	backdateQueueItem(t, db, "nzo_b", 60)

	item, err := db.Queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "nzo_b", item.ID)
}

func TestClaimSkipsPausedItems(t *testing.T) {
	db := newTestDB(t)

	addQueueItem(t, db, "nzo_paused", QueuePriorityForce)
	addQueueItem(t, db, "nzo_ready", QueuePriorityLow)
	require.NoError(t, db.Queue.Pause("nzo_paused", PauseForever))

	paused, err := db.Queue.Get("nzo_paused")
	require.NoError(t, err)
	assert.True(t, paused.IsPaused())

	item, err := db.Queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "nzo_ready", item.ID)

	item, err = db.Queue.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, item, "paused item must not be claimable")

	require.NoError(t, db.Queue.Resume("nzo_paused"))
	item, err = db.Queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "nzo_paused", item.ID)
}

func TestPauseDeadlineExpires(t *testing.T) {
	db := newTestDB(t)

	addQueueItem(t, db, "nzo_timed", QueuePriorityNormal)
	require.NoError(t, db.Queue.Pause("nzo_timed", time.Now().Add(time.Hour)))

	item, err := db.Queue.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, item, "future deadline must hold the job back")

	// A deadline in the past makes the job runnable without a Resume.
	require.NoError(t, db.Queue.Pause("nzo_timed", time.Now().Add(-time.Minute)))

	got, err := db.Queue.Get("nzo_timed")
	require.NoError(t, err)
	assert.False(t, got.IsPaused())

	item, err = db.Queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "nzo_timed", item.ID)
}

func TestEnqueuePausedViaPauseUntil(t *testing.T) {
	db := newTestDB(t)

	until := PauseForever
	item := &QueueItem{ID: "nzo_held", Name: "held", PauseUntil: &until}
	require.NoError(t, db.Queue.Add(item, []byte("<nzb/>")))

	got, err := db.Queue.Get("nzo_held")
	require.NoError(t, err)
	assert.True(t, got.IsPaused())

	claimed, err := db.Queue.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestMoveToTopAndBottom(t *testing.T) {
	db := newTestDB(t)

	addQueueItem(t, db, "nzo_1", QueuePriorityNormal)
	addQueueItem(t, db, "nzo_2", QueuePriorityNormal)
	addQueueItem(t, db, "nzo_3", QueuePriorityNormal)
	backdateQueueItem(t, db, "nzo_1", 30)
	backdateQueueItem(t, db, "nzo_2", 20)
	backdateQueueItem(t, db, "nzo_3", 10)

	require.NoError(t, db.Queue.MoveToTop("nzo_3"))
	items, err := db.Queue.List()
	require.NoError(t, err)
	assert.Equal(t, "nzo_3", items[0].ID)

	require.NoError(t, db.Queue.MoveToBottom("nzo_3"))
	items, err = db.Queue.List()
	require.NoError(t, err)
	assert.Equal(t, "nzo_3", items[len(items)-1].ID)
}

func TestPromoteIsAtomic(t *testing.T) {
	db := newTestDB(t)

	addQueueItem(t, db, "nzo_done", QueuePriorityNormal)
	claimed, err := db.Queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	storagePath := "/downloads/movies/job-nzo_done"
	promoted, err := db.History.Promote("nzo_done", HistoryStatusCompleted, &storagePath, nil)
	require.NoError(t, err)
	assert.Equal(t, HistoryStatusCompleted, promoted.Status)
	assert.Equal(t, "job-nzo_done", promoted.Name)

	// Gone from the queue, present in history, NZB bytes retained.
	_, err = db.Queue.Get("nzo_done")
	assert.ErrorIs(t, err, ErrQueueItemNotFound)

	got, err := db.History.Get("nzo_done")
	require.NoError(t, err)
	assert.Equal(t, "movies", got.Category)

	data, err := db.Queue.NzbContents("nzo_done")
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// Promoting a missing id changes nothing.
	_, err = db.History.Promote("nzo_ghost", HistoryStatusFailed, nil, nil)
	assert.ErrorIs(t, err, ErrQueueItemNotFound)
}

func TestDeleteRemovesContents(t *testing.T) {
	db := newTestDB(t)

	addQueueItem(t, db, "nzo_del", QueuePriorityNormal)
	require.NoError(t, db.Queue.Delete("nzo_del"))

	_, err := db.Queue.Get("nzo_del")
	assert.ErrorIs(t, err, ErrQueueItemNotFound)
	_, err = db.Queue.NzbContents("nzo_del")
	assert.ErrorIs(t, err, ErrQueueItemNotFound)

	assert.ErrorIs(t, db.Queue.Delete("nzo_del"), ErrQueueItemNotFound)
}

func TestResetStalled(t *testing.T) {
	db := newTestDB(t)

	addQueueItem(t, db, "nzo_stuck", QueuePriorityNormal)
	claimed, err := db.Queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, db.Queue.UpdateStatus("nzo_stuck", QueueStatusImporting, nil))

	n, err := db.Queue.ResetStalled()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.Queue.Get("nzo_stuck")
	require.NoError(t, err)
	assert.Equal(t, QueueStatusQueued, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestUpdateProgressAndTotals(t *testing.T) {
	db := newTestDB(t)

	addQueueItem(t, db, "nzo_p", QueuePriorityNormal)
	require.NoError(t, db.Queue.UpdateTotals("nzo_p", 1600000, 4))
	require.NoError(t, db.Queue.UpdateProgress("nzo_p", 2, 4))

	got, err := db.Queue.Get("nzo_p")
	require.NoError(t, err)
	assert.Equal(t, int64(1600000), got.TotalSize)
	assert.Equal(t, 4, got.SegmentsTotal)
	assert.Equal(t, 2, got.SegmentsDone)
}
