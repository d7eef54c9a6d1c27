package database

import (
	"fmt"
	"log/slog"
	"time"
)

// speedSmoothing is the EMA weight of the newest speed sample.
const speedSmoothing = 0.2

// StatsRepository handles per-provider fetch statistics and the
// missing-article log.
type StatsRepository struct {
	db executor
}

// NewStatsRepository creates a new stats repository.
func NewStatsRepository(db executor) *StatsRepository {
	return &StatsRepository{db: db}
}

// RecordArticle folds one fetch outcome into the (job, provider) counters.
// Speed is tracked as an exponential moving average of bytes/second.
func (r *StatsRepository) RecordArticle(providerID, jobName string, bytes int64, elapsed time.Duration, success bool) error {
	var speed float64
	if success && elapsed > 0 {
		speed = float64(bytes) / elapsed.Seconds()
	}

	successInc := 0
	errorInc := 1
	if success {
		successInc = 1
		errorInc = 0
	}

	_, err := r.db.Exec(`
		INSERT INTO provider_stats (provider_id, job_name, success_count, error_count, bytes_downloaded, total_time_ms, avg_speed_bps, last_used, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT(provider_id, job_name) DO UPDATE SET
			success_count = success_count + excluded.success_count,
			error_count = error_count + excluded.error_count,
			bytes_downloaded = bytes_downloaded + excluded.bytes_downloaded,
			total_time_ms = total_time_ms + excluded.total_time_ms,
			avg_speed_bps = CASE
				WHEN excluded.avg_speed_bps <= 0 THEN avg_speed_bps
				WHEN avg_speed_bps <= 0 THEN excluded.avg_speed_bps
				ELSE avg_speed_bps * ? + excluded.avg_speed_bps * ?
			END,
			last_used = excluded.last_used,
			updated_at = datetime('now')
	`, providerID, jobName, successInc, errorInc, bytes, elapsed.Milliseconds(), speed,
		1-speedSmoothing, speedSmoothing)
	if err != nil {
		return fmt.Errorf("failed to record article stats: %w", err)
	}
	return nil
}

// RecordMissing logs one permanent no-such-article response and bumps the
// provider's missing counter.
func (r *StatsRepository) RecordMissing(providerID, messageID, jobName, operation string) error {
	return withTransaction(r.db, func(tx executor) error {
		if _, err := tx.Exec(`
			INSERT INTO missing_articles (provider_id, message_id, job_name, operation)
			VALUES (?, ?, ?, ?)
		`, providerID, messageID, jobName, operation); err != nil {
			return fmt.Errorf("failed to record missing article: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO provider_stats (provider_id, job_name, missing_count, updated_at)
			VALUES (?, ?, 1, datetime('now'))
			ON CONFLICT(provider_id, job_name) DO UPDATE SET
				missing_count = missing_count + 1,
				updated_at = datetime('now')
		`, providerID, jobName); err != nil {
			return fmt.Errorf("failed to bump missing count: %w", err)
		}
		return nil
	})
}

// List returns all provider statistics, one row per (job, provider) pair.
func (r *StatsRepository) List() ([]*ProviderStat, error) {
	rows, err := r.db.Query(`
		SELECT provider_id, job_name, success_count, error_count, missing_count,
			bytes_downloaded, total_time_ms, avg_speed_bps, last_used, updated_at
		FROM provider_stats ORDER BY provider_id, job_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider stats: %w", err)
	}
	defer rows.Close()

	var stats []*ProviderStat
	for rows.Next() {
		var s ProviderStat
		if err := rows.Scan(&s.ProviderID, &s.JobName, &s.SuccessCount, &s.ErrorCount,
			&s.MissingCount, &s.BytesDownloaded, &s.TotalTimeMs, &s.AvgSpeedBps,
			&s.LastUsed, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider stat: %w", err)
		}
		stats = append(stats, &s)
	}
	return stats, rows.Err()
}

// ListMissing returns the newest missing-article events, up to limit.
func (r *StatsRepository) ListMissing(limit int) ([]*MissingArticle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT id, provider_id, message_id, job_name, operation, created_at
		FROM missing_articles ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list missing articles: %w", err)
	}
	defer rows.Close()

	var events []*MissingArticle
	for rows.Next() {
		var e MissingArticle
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.MessageID, &e.JobName,
			&e.Operation, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan missing article: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Recorder adapts the repository to the non-blocking callback shape the
// fetch path expects: errors are logged, never propagated into a download.
type Recorder struct {
	repo *StatsRepository
	log  *slog.Logger
}

// NewRecorder wraps the repository for use on the fetch path.
func NewRecorder(repo *StatsRepository) *Recorder {
	return &Recorder{
		repo: repo,
		log:  slog.Default().With("component", "stats-recorder"),
	}
}

func (r *Recorder) RecordArticle(providerID, jobName string, bytes int64, elapsed time.Duration, success bool) {
	if err := r.repo.RecordArticle(providerID, jobName, bytes, elapsed, success); err != nil {
		r.log.Warn("Failed to record article stats", "provider", providerID, "job", jobName, "err", err)
	}
}

func (r *Recorder) RecordMissing(providerID, messageID, jobName, operation string) {
	if err := r.repo.RecordMissing(providerID, messageID, jobName, operation); err != nil {
		r.log.Warn("Failed to record missing article", "provider", providerID, "err", err)
	}
}
