package database

import (
	"time"
)

// ItemKind distinguishes directories from streamable files in the virtual
// tree.
type ItemKind string

const (
	ItemKindDirectory ItemKind = "directory"
	ItemKindFile      ItemKind = "file"
)

// ItemSource records how a file's segment list was derived.
type ItemSource string

const (
	// SourceNzb is a plain yEnc file: segments map 1:1 to articles.
	SourceNzb ItemSource = "nzb"
	// SourceRar is a file carved out of RAR volume articles at offsets.
	SourceRar ItemSource = "rar"
	// SourceMultipart is a file joined from name.NNN split parts.
	SourceMultipart ItemSource = "multipart"
)

// Item is one node of the virtual filesystem. Files carry a JSON-encoded
// segment list in Segments; directories leave it NULL.
type Item struct {
	ID               int64      `db:"id"`
	ParentID         *int64     `db:"parent_id"`
	Path             string     `db:"path"`
	Name             string     `db:"name"`
	Kind             ItemKind   `db:"kind"`
	Source           ItemSource `db:"source"`
	Size             int64      `db:"size"`
	Segments         *string    `db:"segments"`
	IsCorrupted      bool       `db:"is_corrupted"`
	CorruptionReason *string    `db:"corruption_reason"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// QueueStatus tracks a job through the import pipeline.
type QueueStatus string

const (
	QueueStatusQueued    QueueStatus = "queued"
	QueueStatusParsing   QueueStatus = "parsing"
	QueueStatusImporting QueueStatus = "importing"
	QueueStatusVerifying QueueStatus = "verifying"
	QueueStatusFailed    QueueStatus = "failed"
)

// QueuePriority orders claim selection: higher values are picked first.
// The gaps leave room for top/bottom moves within a level.
type QueuePriority int

const (
	QueuePriorityForce  QueuePriority = 100
	QueuePriorityHigh   QueuePriority = 10
	QueuePriorityNormal QueuePriority = 0
	QueuePriorityLow    QueuePriority = -10
)

// QueueItem is one NZB job waiting for, or undergoing, import.
type QueueItem struct {
	ID            string        `db:"id"`
	Name          string        `db:"name"`
	Category      string        `db:"category"`
	Priority      QueuePriority `db:"priority"`
	Status        QueueStatus   `db:"status"`
	PauseUntil    *time.Time    `db:"pause_until"`
	TotalSize     int64         `db:"total_size"`
	SegmentsTotal int           `db:"segments_total"`
	SegmentsDone  int           `db:"segments_done"`
	RetryCount    int           `db:"retry_count"`
	ErrorMessage  *string       `db:"error_message"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
	StartedAt     *time.Time    `db:"started_at"`
}

// IsPaused reports whether the job is currently held back from claiming.
// A pause deadline in the past makes the job runnable again on its own.
func (q *QueueItem) IsPaused() bool {
	return q.PauseUntil != nil && q.PauseUntil.After(time.Now())
}

// HistoryStatus is the terminal outcome of a job.
type HistoryStatus string

const (
	HistoryStatusCompleted HistoryStatus = "completed"
	HistoryStatusFailed    HistoryStatus = "failed"
)

// HistoryItem is a finished job. Archived items are hidden from normal
// listings and reaped after the retention window.
type HistoryItem struct {
	ID                  string        `db:"id"`
	Name                string        `db:"name"`
	Category            string        `db:"category"`
	Status              HistoryStatus `db:"status"`
	TotalSize           int64         `db:"total_size"`
	StoragePath         *string       `db:"storage_path"`
	ErrorMessage        *string       `db:"error_message"`
	DownloadTimeSeconds int           `db:"download_time_seconds"`
	Archived            bool          `db:"archived"`
	ArchivedAt          *time.Time    `db:"archived_at"`
	CompletedAt         time.Time     `db:"completed_at"`
	CreatedAt           time.Time     `db:"created_at"`
}

// ProviderStat aggregates fetch outcomes per (job, provider) pair. Rows
// with an empty JobName cover fetches outside any import job, such as
// streaming reads.
type ProviderStat struct {
	ProviderID      string     `db:"provider_id"`
	JobName         string     `db:"job_name"`
	SuccessCount    int64      `db:"success_count"`
	ErrorCount      int64      `db:"error_count"`
	MissingCount    int64      `db:"missing_count"`
	BytesDownloaded int64      `db:"bytes_downloaded"`
	TotalTimeMs     int64      `db:"total_time_ms"`
	AvgSpeedBps     float64    `db:"avg_speed_bps"`
	LastUsed        *time.Time `db:"last_used"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// MissingArticle is one permanent no-such-article response from a provider.
type MissingArticle struct {
	ID         int64     `db:"id"`
	ProviderID string    `db:"provider_id"`
	MessageID  string    `db:"message_id"`
	JobName    string    `db:"job_name"`
	Operation  string    `db:"operation"`
	CreatedAt  time.Time `db:"created_at"`
}
