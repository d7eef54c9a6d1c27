package importer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbvault/internal/database"
	"github.com/javi11/nzbvault/internal/events"
	"github.com/javi11/nzbvault/internal/usenet"
)

func newTestService(t *testing.T, client *fakeClient, cfg ServiceConfig) (*Service, *database.DB, *events.Bus) {
	t.Helper()

	db, err := database.NewDB(database.Config{DatabasePath: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	svc := NewService(cfg, db, client, bus)
	t.Cleanup(svc.Stop)
	return svc, db, bus
}

func TestEnqueueAndProcess(t *testing.T) {
	client := newFakeClient()
	mkv := client.addFile("movie.mkv", make([]byte, 3000), 1000)

	svc, db, bus := newTestService(t, client, ServiceConfig{VerifySamples: true})

	ch, cancel := bus.Subscribe()
	defer cancel()

	item, err := svc.Enqueue("My Movie.nzb", "movies", database.QueuePriorityNormal, false, nzbBytes(t, mkv))
	require.NoError(t, err)
	assert.Contains(t, item.ID, "SABnzbd_nzo_")
	assert.Equal(t, "My Movie", item.Name)
	assert.Equal(t, 3, item.SegmentsTotal)

	require.True(t, svc.processNext(), "one job should be claimable")
	assert.False(t, svc.processNext(), "queue should be drained")

	// Queue empty, history complete, tree present.
	queued, err := db.Queue.List()
	require.NoError(t, err)
	assert.Empty(t, queued)

	hist, err := db.History.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, database.HistoryStatusCompleted, hist.Status)
	require.NotNil(t, hist.StoragePath)
	assert.Equal(t, "/downloads/movies/My Movie", *hist.StoragePath)

	file, err := db.Items.GetByPath("/downloads/movies/My Movie/movie.mkv")
	require.NoError(t, err)
	assert.False(t, file.IsCorrupted)

	// Bus saw the add and the promotion.
	var types []events.Type
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Contains(t, types, events.QueueItemAdded)
	assert.Contains(t, types, events.QueueItemRemoved)
	assert.Contains(t, types, events.HistoryItemAdded)
}

func TestEnqueueRejectsMalformed(t *testing.T) {
	client := newFakeClient()
	svc, _, _ := newTestService(t, client, ServiceConfig{})

	_, err := svc.Enqueue("bad", "", database.QueuePriorityNormal, false, []byte("not xml"))
	require.Error(t, err)
}

func TestVerifyFlagsDeadLeadArticle(t *testing.T) {
	client := newFakeClient()
	mkv := client.addFile("gone.mkv", make([]byte, 2000), 1000)
	client.missing["gone.mkv-1@test"] = true

	svc, db, _ := newTestService(t, client, ServiceConfig{VerifySamples: true})

	item, err := svc.Enqueue("gone", "", database.QueuePriorityNormal, false, nzbBytes(t, mkv))
	require.NoError(t, err)
	require.True(t, svc.processNext())

	// Job still completes; the file is flagged instead.
	hist, err := db.History.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, database.HistoryStatusCompleted, hist.Status)

	file, err := db.Items.GetByPath("/downloads/gone/gone.mkv")
	require.NoError(t, err)
	assert.True(t, file.IsCorrupted)
}

func TestTransientFailureRequeuesThenFails(t *testing.T) {
	client := newFakeClient()
	vol := client.addFile("flaky.rar", make([]byte, 100), 50)
	client.transient = usenet.ErrArticleUnavailable

	svc, db, _ := newTestService(t, client, ServiceConfig{MaxRetries: 1})

	item, err := svc.Enqueue("flaky", "", database.QueuePriorityNormal, false, nzbBytes(t, vol))
	require.NoError(t, err)

	// First attempt: transient failure goes back to the queue.
	require.True(t, svc.processNext())
	queued, err := db.Queue.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, database.QueueStatusQueued, queued.Status)
	assert.Equal(t, 1, queued.RetryCount)

	// Second attempt: retry budget exhausted, lands in failed history.
	require.True(t, svc.processNext())
	hist, err := db.History.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, database.HistoryStatusFailed, hist.Status)
	require.NotNil(t, hist.ErrorMessage)
}

func TestRetryFromHistory(t *testing.T) {
	client := newFakeClient()
	mkv := client.addFile("movie.mkv", make([]byte, 1000), 1000)

	svc, db, _ := newTestService(t, client, ServiceConfig{})

	item, err := svc.Enqueue("retry-me", "", database.QueuePriorityNormal, false, nzbBytes(t, mkv))
	require.NoError(t, err)
	require.True(t, svc.processNext())

	requeued, err := svc.Retry(item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, requeued.ID)

	// Second import lands next to the first under a requeue suffix.
	require.True(t, svc.processNext())
	_, err = db.Items.GetByPath("/downloads/retry-me.requeue1/movie.mkv")
	assert.NoError(t, err)
}

func TestStartRecoversStalledJobs(t *testing.T) {
	client := newFakeClient()
	mkv := client.addFile("movie.mkv", make([]byte, 1000), 1000)

	svc, db, bus := newTestService(t, client, ServiceConfig{})

	item, err := svc.Enqueue("stalled", "", database.QueuePriorityNormal, false, nzbBytes(t, mkv))
	require.NoError(t, err)

	// Simulate a crash mid-import.
	claimed, err := db.Queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A fresh service finds the stranded job and requeues it before its
	// worker runs; the long poll interval keeps the worker asleep.
	restarted := NewService(ServiceConfig{PollInterval: time.Hour}, db, client, bus)
	require.NoError(t, restarted.Start())
	restarted.Stop()

	got, err := db.Queue.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, database.QueueStatusQueued, got.Status)
}
