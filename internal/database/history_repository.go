package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrHistoryItemNotFound is returned for unknown history ids.
var ErrHistoryItemNotFound = errors.New("database: history item not found")

// HistoryRepository handles finished jobs.
type HistoryRepository struct {
	db executor
}

// NewHistoryRepository creates a new history repository.
func NewHistoryRepository(db executor) *HistoryRepository {
	return &HistoryRepository{db: db}
}

const historyColumns = `id, name, category, status, total_size, storage_path, error_message, download_time_seconds, archived, archived_at, completed_at, created_at`

func scanHistoryItem(row interface{ Scan(...interface{}) error }) (*HistoryItem, error) {
	var item HistoryItem
	err := row.Scan(
		&item.ID, &item.Name, &item.Category, &item.Status, &item.TotalSize,
		&item.StoragePath, &item.ErrorMessage, &item.DownloadTimeSeconds,
		&item.Archived, &item.ArchivedAt, &item.CompletedAt, &item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Promote moves a finished job from the queue into history in a single
// transaction: the queue row disappears exactly when the history row
// appears, so the job is visible in exactly one of the two at all times.
// The stored NZB contents stay behind for retry and download.
func (r *HistoryRepository) Promote(queueID string, status HistoryStatus, storagePath, errorMessage *string) (*HistoryItem, error) {
	var promoted *HistoryItem

	err := withTransaction(r.db, func(tx executor) error {
		queued, err := scanQueueItem(tx.QueryRow(`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, queueID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrQueueItemNotFound, queueID)
			}
			return fmt.Errorf("failed to get queue item for promotion: %w", err)
		}

		downloadTime := 0
		if queued.StartedAt != nil {
			downloadTime = int(time.Since(*queued.StartedAt).Seconds())
		}

		if _, err := tx.Exec(`
			INSERT INTO history_items (id, name, category, status, total_size, storage_path, error_message, download_time_seconds, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		`, queued.ID, queued.Name, queued.Category, status, queued.TotalSize,
			storagePath, errorMessage, downloadTime); err != nil {
			return fmt.Errorf("failed to insert history item: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM queue_items WHERE id = ?`, queueID); err != nil {
			return fmt.Errorf("failed to remove promoted queue item: %w", err)
		}

		promoted, err = scanHistoryItem(tx.QueryRow(`SELECT `+historyColumns+` FROM history_items WHERE id = ?`, queueID))
		if err != nil {
			return fmt.Errorf("failed to read promoted item: %w", err)
		}
		return nil
	})

	return promoted, err
}

// HistoryQuery filters and pages List results.
type HistoryQuery struct {
	ShowArchived bool
	FailedOnly   bool
	Category     string
	Search       string
	Start        int
	Limit        int
}

// List returns history items newest first.
func (r *HistoryRepository) List(q HistoryQuery) ([]*HistoryItem, error) {
	query := `SELECT ` + historyColumns + ` FROM history_items WHERE 1=1`
	var args []interface{}

	if !q.ShowArchived {
		query += ` AND archived = 0`
	}
	if q.FailedOnly {
		query += ` AND status = 'failed'`
	}
	if q.Category != "" {
		query += ` AND category = ?`
		args = append(args, q.Category)
	}
	if q.Search != "" {
		query += ` AND name LIKE ?`
		args = append(args, "%"+q.Search+"%")
	}

	query += ` ORDER BY completed_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Start)
	} else if q.Start > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, q.Start)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var items []*HistoryItem
	for rows.Next() {
		item, err := scanHistoryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Get returns one history item by id.
func (r *HistoryRepository) Get(id string) (*HistoryItem, error) {
	row := r.db.QueryRow(`SELECT `+historyColumns+` FROM history_items WHERE id = ?`, id)
	item, err := scanHistoryItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrHistoryItemNotFound, id)
		}
		return nil, fmt.Errorf("failed to get history item: %w", err)
	}
	return item, nil
}

// Delete permanently removes a history item and its stored NZB.
func (r *HistoryRepository) Delete(id string) error {
	return withTransaction(r.db, func(tx executor) error {
		result, err := tx.Exec(`DELETE FROM history_items WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete history item: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrHistoryItemNotFound, id)
		}
		if _, err := tx.Exec(`DELETE FROM queue_nzb_contents WHERE queue_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete nzb contents: %w", err)
		}
		return nil
	})
}

// Archive hides an item from normal listings instead of deleting it.
// Automation clients get this behavior so a misfired delete is recoverable
// until the retention sweep.
func (r *HistoryRepository) Archive(id string) error {
	result, err := r.db.Exec(`
		UPDATE history_items SET archived = 1, archived_at = datetime('now') WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to archive history item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrHistoryItemNotFound, id)
	}
	return nil
}

// PruneArchived permanently removes archived items older than the retention
// window, returning the affected ids so callers can clean up their trees.
func (r *HistoryRepository) PruneArchived(olderThan time.Duration) ([]*HistoryItem, error) {
	// Cutoff is computed SQLite-side so it compares in the same text format
	// datetime('now') writes.
	offset := fmt.Sprintf("-%d seconds", int(olderThan.Seconds()))

	var pruned []*HistoryItem
	err := withTransaction(r.db, func(tx executor) error {
		rows, err := tx.Query(`
			SELECT `+historyColumns+` FROM history_items
			WHERE archived = 1 AND archived_at < datetime('now', ?)
		`, offset)
		if err != nil {
			return fmt.Errorf("failed to select prunable items: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			item, err := scanHistoryItem(rows)
			if err != nil {
				return fmt.Errorf("failed to scan prunable item: %w", err)
			}
			pruned = append(pruned, item)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, item := range pruned {
			if _, err := tx.Exec(`DELETE FROM history_items WHERE id = ?`, item.ID); err != nil {
				return fmt.Errorf("failed to prune history item %s: %w", item.ID, err)
			}
			if _, err := tx.Exec(`DELETE FROM queue_nzb_contents WHERE queue_id = ?`, item.ID); err != nil {
				return fmt.Errorf("failed to prune nzb contents %s: %w", item.ID, err)
			}
		}
		return nil
	})

	return pruned, err
}

// Requeue moves a failed history item back into the queue for another
// import attempt, reusing the stored NZB contents.
func (r *HistoryRepository) Requeue(id string) (*QueueItem, error) {
	var requeued *QueueItem

	err := withTransaction(r.db, func(tx executor) error {
		item, err := scanHistoryItem(tx.QueryRow(`SELECT `+historyColumns+` FROM history_items WHERE id = ?`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrHistoryItemNotFound, id)
			}
			return fmt.Errorf("failed to get history item for requeue: %w", err)
		}

		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM queue_nzb_contents WHERE queue_id = ?`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("database: no stored nzb for %s, cannot retry", id)
			}
			return fmt.Errorf("failed to check nzb contents: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO queue_items (id, name, category, priority, status, total_size, retry_count)
			VALUES (?, ?, ?, ?, 'queued', ?, 1)
		`, item.ID, item.Name, item.Category, QueuePriorityNormal, item.TotalSize); err != nil {
			return fmt.Errorf("failed to requeue item: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM history_items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove requeued history item: %w", err)
		}

		requeued, err = scanQueueItem(tx.QueryRow(`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("failed to read requeued item: %w", err)
		}
		return nil
	})

	return requeued, err
}
