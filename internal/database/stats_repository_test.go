package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordArticleAccumulates(t *testing.T) {
	db := newTestDB(t)

	// 1 MB in 1s, then 3 MB in 1s: EMA moves toward the faster sample.
	require.NoError(t, db.Stats.RecordArticle("news.test:563", "Some.Job", 1_000_000, time.Second, true))
	require.NoError(t, db.Stats.RecordArticle("news.test:563", "Some.Job", 3_000_000, time.Second, true))
	require.NoError(t, db.Stats.RecordArticle("news.test:563", "Some.Job", 0, time.Second, false))

	stats, err := db.Stats.List()
	require.NoError(t, err)
	require.Len(t, stats, 1)

	s := stats[0]
	assert.Equal(t, "Some.Job", s.JobName)
	assert.Equal(t, int64(2), s.SuccessCount)
	assert.Equal(t, int64(1), s.ErrorCount)
	assert.Equal(t, int64(4_000_000), s.BytesDownloaded)
	assert.Equal(t, int64(3000), s.TotalTimeMs)
	assert.InDelta(t, 1_400_000, s.AvgSpeedBps, 1, "0.8*1M + 0.2*3M")
	require.NotNil(t, s.LastUsed)
}

func TestRecordArticleKeepsJobsApart(t *testing.T) {
	db := newTestDB(t)

	// Same provider, two jobs: counters and EMAs must not bleed across.
	require.NoError(t, db.Stats.RecordArticle("p:119", "Job.A", 1_000_000, time.Second, true))
	require.NoError(t, db.Stats.RecordArticle("p:119", "Job.B", 4_000_000, time.Second, true))
	require.NoError(t, db.Stats.RecordArticle("p:119", "Job.B", 4_000_000, time.Second, true))

	stats, err := db.Stats.List()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	a, b := stats[0], stats[1]
	assert.Equal(t, "Job.A", a.JobName)
	assert.Equal(t, int64(1), a.SuccessCount)
	assert.Equal(t, int64(1000), a.TotalTimeMs)
	assert.InDelta(t, 1_000_000, a.AvgSpeedBps, 1)

	assert.Equal(t, "Job.B", b.JobName)
	assert.Equal(t, int64(2), b.SuccessCount)
	assert.Equal(t, int64(2000), b.TotalTimeMs)
	assert.InDelta(t, 4_000_000, b.AvgSpeedBps, 1)
}

func TestFailedFetchKeepsSpeed(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Stats.RecordArticle("p:119", "job", 2_000_000, time.Second, true))
	require.NoError(t, db.Stats.RecordArticle("p:119", "job", 0, 0, false))

	stats, err := db.Stats.List()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.InDelta(t, 2_000_000, stats[0].AvgSpeedBps, 1)
}

func TestRecordMissing(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Stats.RecordMissing("p:119", "gone@news", "Some Job", "import"))
	require.NoError(t, db.Stats.RecordMissing("p:119", "gone2@news", "Some Job", "streaming"))

	stats, err := db.Stats.List()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "Some Job", stats[0].JobName)
	assert.Equal(t, int64(2), stats[0].MissingCount)

	events, err := db.Stats.ListMissing(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "gone2@news", events[0].MessageID)
	assert.Equal(t, "streaming", events[0].Operation)
}

func TestRecorderSwallowsErrors(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db.Stats)

	// Must not panic or propagate anything into the fetch path.
	rec.RecordArticle("p:119", "job", 100, time.Millisecond, true)
	rec.RecordMissing("p:119", "x@y", "job", "import")

	stats, err := db.Stats.List()
	require.NoError(t, err)
	assert.Len(t, stats, 1)
}
