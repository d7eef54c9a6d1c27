package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addHistoryItem(t *testing.T, db *DB, id string, status HistoryStatus, category string) {
	t.Helper()

	addQueueItem(t, db, id, QueuePriorityNormal)
	var errMsg *string
	if status == HistoryStatusFailed {
		msg := "article missing on all providers"
		errMsg = &msg
	}
	_, err := db.History.Promote(id, status, nil, errMsg)
	require.NoError(t, err)
	if category != "" {
		_, err := db.conn.Exec(`UPDATE history_items SET category = ? WHERE id = ?`, category, id)
		require.NoError(t, err)
	}
}

func TestHistoryListFilters(t *testing.T) {
	db := newTestDB(t)

	addHistoryItem(t, db, "nzo_ok", HistoryStatusCompleted, "movies")
	addHistoryItem(t, db, "nzo_bad", HistoryStatusFailed, "tv")
	addHistoryItem(t, db, "nzo_hidden", HistoryStatusCompleted, "movies")
	require.NoError(t, db.History.Archive("nzo_hidden"))

	items, err := db.History.List(HistoryQuery{})
	require.NoError(t, err)
	assert.Len(t, items, 2, "archived items are hidden by default")

	items, err = db.History.List(HistoryQuery{ShowArchived: true})
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = db.History.List(HistoryQuery{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "nzo_bad", items[0].ID)
	require.NotNil(t, items[0].ErrorMessage)

	items, err = db.History.List(HistoryQuery{Category: "movies"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "nzo_ok", items[0].ID)

	items, err = db.History.List(HistoryQuery{Search: "nzo_bad"})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestHistoryPagination(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []string{"nzo_1", "nzo_2", "nzo_3", "nzo_4"} {
		addHistoryItem(t, db, id, HistoryStatusCompleted, "")
	}

	items, err := db.History.List(HistoryQuery{Start: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestHistoryDeleteRemovesContents(t *testing.T) {
	db := newTestDB(t)

	addHistoryItem(t, db, "nzo_gone", HistoryStatusCompleted, "")
	require.NoError(t, db.History.Delete("nzo_gone"))

	_, err := db.History.Get("nzo_gone")
	assert.ErrorIs(t, err, ErrHistoryItemNotFound)
	_, err = db.Queue.NzbContents("nzo_gone")
	assert.ErrorIs(t, err, ErrQueueItemNotFound)
}

func TestPruneArchivedHonorsRetention(t *testing.T) {
	db := newTestDB(t)

	addHistoryItem(t, db, "nzo_old", HistoryStatusCompleted, "")
	addHistoryItem(t, db, "nzo_new", HistoryStatusCompleted, "")
	require.NoError(t, db.History.Archive("nzo_old"))
	require.NoError(t, db.History.Archive("nzo_new"))

	// Age one archive past the 24h window.
	_, err := db.conn.Exec(`UPDATE history_items SET archived_at = datetime('now', '-25 hours') WHERE id = 'nzo_old'`)
	require.NoError(t, err)

	pruned, err := db.History.PruneArchived(24 * time.Hour)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, "nzo_old", pruned[0].ID)

	_, err = db.History.Get("nzo_old")
	assert.ErrorIs(t, err, ErrHistoryItemNotFound)
	_, err = db.History.Get("nzo_new")
	assert.NoError(t, err)
}

func TestRequeueMovesItemBack(t *testing.T) {
	db := newTestDB(t)

	addHistoryItem(t, db, "nzo_retry", HistoryStatusFailed, "")

	requeued, err := db.History.Requeue("nzo_retry")
	require.NoError(t, err)
	assert.Equal(t, QueueStatusQueued, requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)

	_, err = db.History.Get("nzo_retry")
	assert.ErrorIs(t, err, ErrHistoryItemNotFound)

	// The stored NZB is still there for the new attempt.
	data, err := db.Queue.NzbContents("nzo_retry")
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
