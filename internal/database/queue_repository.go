package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrQueueItemNotFound is returned for unknown queue ids.
var ErrQueueItemNotFound = errors.New("database: queue item not found")

// PauseForever is the pause deadline used for an indefinite pause; only an
// explicit Resume gets past it.
var PauseForever = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// QueueRepository handles the import queue.
type QueueRepository struct {
	db executor
}

// NewQueueRepository creates a new queue repository.
func NewQueueRepository(db executor) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `id, name, category, priority, status, pause_until, total_size, segments_total, segments_done, retry_count, error_message, created_at, updated_at, started_at`

func scanQueueItem(row interface{ Scan(...interface{}) error }) (*QueueItem, error) {
	var item QueueItem
	err := row.Scan(
		&item.ID, &item.Name, &item.Category, &item.Priority, &item.Status,
		&item.PauseUntil, &item.TotalSize, &item.SegmentsTotal, &item.SegmentsDone,
		&item.RetryCount, &item.ErrorMessage, &item.CreatedAt, &item.UpdatedAt,
		&item.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Add inserts the job and its raw NZB document in one transaction, so a
// queued job can always be retried or re-downloaded from the stored bytes.
func (r *QueueRepository) Add(item *QueueItem, nzbData []byte) error {
	return withTransaction(r.db, func(tx executor) error {
		_, err := tx.Exec(`
			INSERT INTO queue_items (id, name, category, priority, status, pause_until, total_size, segments_total, retry_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ID, item.Name, item.Category, item.Priority, QueueStatusQueued,
			item.PauseUntil, item.TotalSize, item.SegmentsTotal, item.RetryCount)
		if err != nil {
			return fmt.Errorf("failed to add queue item: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO queue_nzb_contents (queue_id, nzb_data) VALUES (?, ?)
		`, item.ID, nzbData); err != nil {
			return fmt.Errorf("failed to store nzb contents: %w", err)
		}

		item.Status = QueueStatusQueued
		return nil
	})
}

// Get returns one queue item by id.
func (r *QueueRepository) Get(id string) (*QueueItem, error) {
	row := r.db.QueryRow(`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrQueueItemNotFound, id)
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// List returns all queue items in claim order: highest priority first,
// oldest first within a priority.
func (r *QueueRepository) List() ([]*QueueItem, error) {
	rows, err := r.db.Query(`
		SELECT ` + queueColumns + ` FROM queue_items
		ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// NzbContents returns the raw NZB bytes stored with a job. The contents
// survive promotion to history so retries work from there too.
func (r *QueueRepository) NzbContents(id string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(`SELECT nzb_data FROM queue_nzb_contents WHERE queue_id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrQueueItemNotFound, id)
		}
		return nil, fmt.Errorf("failed to get nzb contents: %w", err)
	}
	return data, nil
}

// ClaimNext atomically claims the next runnable job and moves it to the
// parsing state. Returns nil without error when the queue is empty.
func (r *QueueRepository) ClaimNext() (*QueueItem, error) {
	var claimed *QueueItem

	err := withTransaction(r.db, func(tx executor) error {
		var id string
		err := tx.QueryRow(`
			SELECT id FROM queue_items
			WHERE status = 'queued'
				AND (pause_until IS NULL OR datetime(pause_until) <= datetime('now'))
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		`).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to select queue item: %w", err)
		}

		result, err := tx.Exec(`
			UPDATE queue_items
			SET status = 'parsing', started_at = datetime('now'), updated_at = datetime('now')
			WHERE id = ? AND status = 'queued'
		`, id)
		if err != nil {
			return fmt.Errorf("failed to claim queue item %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			// Claimed by someone else between SELECT and UPDATE.
			return nil
		}

		claimed, err = scanQueueItem(tx.QueryRow(`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("failed to get claimed item: %w", err)
		}
		return nil
	})

	return claimed, err
}

// UpdateStatus moves a job to a new pipeline state.
func (r *QueueRepository) UpdateStatus(id string, status QueueStatus, errorMessage *string) error {
	result, err := r.db.Exec(`
		UPDATE queue_items SET status = ?, error_message = ?, updated_at = datetime('now')
		WHERE id = ?
	`, status, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to update queue status: %w", err)
	}
	return requireRow(result, id)
}

// UpdateProgress records segment completion counts for API reporting.
func (r *QueueRepository) UpdateProgress(id string, done, total int) error {
	_, err := r.db.Exec(`
		UPDATE queue_items SET segments_done = ?, segments_total = ?, updated_at = datetime('now')
		WHERE id = ?
	`, done, total, id)
	if err != nil {
		return fmt.Errorf("failed to update queue progress: %w", err)
	}
	return nil
}

// UpdateTotals records the parsed size and segment count of a job.
func (r *QueueRepository) UpdateTotals(id string, totalSize int64, segmentsTotal int) error {
	_, err := r.db.Exec(`
		UPDATE queue_items SET total_size = ?, segments_total = ?, updated_at = datetime('now')
		WHERE id = ?
	`, totalSize, segmentsTotal, id)
	if err != nil {
		return fmt.Errorf("failed to update queue totals: %w", err)
	}
	return nil
}

// SetPriority changes a job's priority level.
func (r *QueueRepository) SetPriority(id string, priority QueuePriority) error {
	result, err := r.db.Exec(`
		UPDATE queue_items SET priority = ?, updated_at = datetime('now') WHERE id = ?
	`, priority, id)
	if err != nil {
		return fmt.Errorf("failed to set queue priority: %w", err)
	}
	return requireRow(result, id)
}

// MoveToTop makes the job the next claim candidate by backdating it past
// the current head of the queue and lifting it to the highest present
// priority.
func (r *QueueRepository) MoveToTop(id string) error {
	result, err := r.db.Exec(`
		UPDATE queue_items SET
			priority = (SELECT COALESCE(MAX(priority), 0) FROM queue_items WHERE status = 'queued'),
			created_at = datetime((SELECT COALESCE(MIN(created_at), datetime('now')) FROM queue_items WHERE status = 'queued'), '-1 seconds'),
			updated_at = datetime('now')
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to move queue item to top: %w", err)
	}
	return requireRow(result, id)
}

// MoveToBottom pushes the job behind everything currently queued.
func (r *QueueRepository) MoveToBottom(id string) error {
	result, err := r.db.Exec(`
		UPDATE queue_items SET
			priority = (SELECT COALESCE(MIN(priority), 0) FROM queue_items WHERE status = 'queued'),
			created_at = datetime((SELECT COALESCE(MAX(created_at), datetime('now')) FROM queue_items WHERE status = 'queued'), '+1 seconds'),
			updated_at = datetime('now')
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to move queue item to bottom: %w", err)
	}
	return requireRow(result, id)
}

// Pause holds a job back from claiming until the given time. It keeps its
// queue position; a deadline in the past makes it runnable again without a
// Resume. Use PauseForever for an indefinite pause.
func (r *QueueRepository) Pause(id string, until time.Time) error {
	result, err := r.db.Exec(`
		UPDATE queue_items SET pause_until = ?, updated_at = datetime('now') WHERE id = ?
	`, until.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to pause queue item: %w", err)
	}
	return requireRow(result, id)
}

// Resume clears a job's pause deadline.
func (r *QueueRepository) Resume(id string) error {
	result, err := r.db.Exec(`
		UPDATE queue_items SET pause_until = NULL, updated_at = datetime('now') WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to resume queue item: %w", err)
	}
	return requireRow(result, id)
}

// Delete removes a job and its stored NZB.
func (r *QueueRepository) Delete(id string) error {
	return withTransaction(r.db, func(tx executor) error {
		result, err := tx.Exec(`DELETE FROM queue_items WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete queue item: %w", err)
		}
		if err := requireRow(result, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM queue_nzb_contents WHERE queue_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete nzb contents: %w", err)
		}
		return nil
	})
}

// Requeue returns a claimed job to the queue after a transient failure,
// bumping its retry counter.
func (r *QueueRepository) Requeue(id string) error {
	result, err := r.db.Exec(`
		UPDATE queue_items
		SET status = 'queued', retry_count = retry_count + 1, started_at = NULL, updated_at = datetime('now')
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue queue item: %w", err)
	}
	return requireRow(result, id)
}

// ResetStalled returns jobs stuck in a working state to queued. Called once
// on startup so a crash mid-import does not strand the job.
func (r *QueueRepository) ResetStalled() (int64, error) {
	result, err := r.db.Exec(`
		UPDATE queue_items
		SET status = 'queued', started_at = NULL, updated_at = datetime('now')
		WHERE status IN ('parsing', 'importing', 'verifying')
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stalled queue items: %w", err)
	}
	return result.RowsAffected()
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrQueueItemNotFound, id)
	}
	return nil
}
