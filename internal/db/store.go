package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/pipeline"
	"github.com/banshee-data/daq.pipeline/internal/registers"
	"github.com/banshee-data/daq.pipeline/internal/trigger"
)

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// RunInfo describes a new acquisition run.
type RunInfo struct {
	ClockHz uint64
	Source  string
	// Config is stored as JSON for later inspection.
	Config any
}

type Run struct {
	ID         string     `json:"run_id"`
	Started    time.Time  `json:"started"`
	Stopped    *time.Time `json:"stopped,omitempty"`
	ClockHz    uint64     `json:"clock_hz"`
	Source     string     `json:"source"`
	ConfigJSON string     `json:"config_json,omitempty"`
}

// RegisterWriteRecord is a persisted register write.
type RegisterWriteRecord struct {
	Time time.Time `json:"time"`
	registers.Write
}

// StartRun records a new run and returns its ID.
func (db *DB) StartRun(ctx context.Context, info RunInfo, now time.Time) (string, error) {
	var cfg sql.NullString
	if info.Config != nil {
		b, err := json.Marshal(info.Config)
		if err != nil {
			return "", fmt.Errorf("failed to encode run config: %w", err)
		}
		cfg = sql.NullString{String: string(b), Valid: true}
	}
	source := info.Source
	if source == "" {
		source = "sim"
	}
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_unix, clock_hz, source, config_json) VALUES (?, ?, ?, ?, ?)`,
		id, now.Unix(), info.ClockHz, source, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// FinishRun marks a run as stopped.
func (db *DB) FinishRun(ctx context.Context, runID string, now time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE runs SET stopped_unix = ? WHERE run_id = ?`, now.Unix(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Runs returns up to limit runs, newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, started_unix, stopped_unix, clock_hz, source, config_json
		 FROM runs ORDER BY started_unix DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			started int64
			stopped sql.NullInt64
			cfg     sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &stopped, &r.ClockHz, &r.Source, &cfg); err != nil {
			return nil, err
		}
		r.Started = time.Unix(started, 0).UTC()
		if stopped.Valid {
			t := time.Unix(stopped.Int64, 0).UTC()
			r.Stopped = &t
		}
		r.ConfigJSON = cfg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRunID returns the most recently started run.
func (db *DB) LatestRunID(ctx context.Context) (string, error) {
	runs, err := db.Runs(ctx, 1)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", ErrRunNotFound
	}
	return runs[0].ID, nil
}

// Recorder writes pipeline batches for a single run.
type Recorder struct {
	db    *DB
	runID string
	now   func() time.Time
}

// Recorder returns a pipeline.Sink bound to runID.
func (db *DB) Recorder(runID string) *Recorder {
	return &Recorder{db: db, runID: runID, now: time.Now}
}

func (r *Recorder) RunID() string { return r.runID }

var _ pipeline.Sink = (*Recorder)(nil)

// WriteBatch stores one tick of output in a single transaction.
func (r *Recorder) WriteBatch(ctx context.Context, b pipeline.Batch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	if len(b.Samples) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO samples (run_id, cycle, channel, value) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare sample insert: %w", err)
		}
		defer stmt.Close()
		for _, s := range b.Samples {
			if _, err := stmt.ExecContext(ctx, r.runID, s.Timestamp, s.Channel, s.Value); err != nil {
				return fmt.Errorf("failed to insert sample: %w", err)
			}
		}
	}

	if len(b.Triggers) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO trigger_events (run_id, cycle, channel, confidence, metadata, threshold, derivative, overflow, filter_passed)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare trigger insert: %w", err)
		}
		defer stmt.Close()
		for _, t := range b.Triggers {
			d := trigger.UnpackMetadata(t.Metadata)
			if _, err := stmt.ExecContext(ctx, r.runID, t.Cycle, t.Channel, t.Confidence, t.Metadata,
				d.Threshold, d.Derivative, d.Overflow, d.FilterPassed); err != nil {
				return fmt.Errorf("failed to insert trigger event: %w", err)
			}
		}
	}

	if len(b.Writes) > 0 {
		now := r.now().Unix()
		for _, w := range b.Writes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO register_writes (run_id, written_unix, reg_index, value) VALUES (?, ?, ?, ?)`,
				r.runID, now, w.Index, w.Value); err != nil {
				return fmt.Errorf("failed to insert register write: %w", err)
			}
		}
	}

	if p := b.Snapshot; p != nil {
		s := p.Snapshot
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metrics_snapshots (
				run_id, taken_unix_nanos, cycle, throughput_sps, avg_latency_ns, max_latency_ns,
				fifo_utilization_pct, instant_fifo_pct, trigger_rate_ppm, warning_flags,
				samples_total, triggers_total, overflow_attempts, adc_timeouts
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.runID, p.Time.UnixNano(), s.Cycle, s.ThroughputSPS, s.AvgLatencyNs, s.MaxLatencyNs,
			s.FIFOUtilizationPct, s.InstantFIFOPct, s.TriggerRatePPM, s.WarningFlags,
			s.SamplesTotal, s.TriggersTotal, s.OverflowAttempts, s.ADCTimeouts,
		); err != nil {
			return fmt.Errorf("failed to insert metrics snapshot: %w", err)
		}
	}

	return tx.Commit()
}

// Samples returns the last limit samples of a run in acquisition order.
// A negative channel selects all channels.
func (db *DB) Samples(ctx context.Context, runID string, channel, limit int) ([]pipeline.Sample, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT cycle, channel, value FROM (
			SELECT rowid, cycle, channel, value FROM samples
			WHERE run_id = ? AND (? < 0 OR channel = ?)
			ORDER BY rowid DESC LIMIT ?
		 ) ORDER BY rowid`, runID, channel, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Sample
	for rows.Next() {
		var s pipeline.Sample
		if err := rows.Scan(&s.Timestamp, &s.Channel, &s.Value); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TriggerEvents returns the last limit trigger events of a run in order.
func (db *DB) TriggerEvents(ctx context.Context, runID string, limit int) ([]pipeline.TriggerRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT cycle, channel, confidence, metadata FROM (
			SELECT rowid, cycle, channel, confidence, metadata FROM trigger_events
			WHERE run_id = ? ORDER BY rowid DESC LIMIT ?
		 ) ORDER BY rowid`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.TriggerRecord
	for rows.Next() {
		var t pipeline.TriggerRecord
		if err := rows.Scan(&t.Cycle, &t.Channel, &t.Confidence, &t.Metadata); err != nil {
			return nil, err
		}
		t.Valid = true
		t.Raised = true
		t.Decoded = trigger.UnpackMetadata(t.Metadata)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TriggerCounts returns the number of trigger events per channel.
func (db *DB) TriggerCounts(ctx context.Context, runID string) (map[int]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT channel, COUNT(*) FROM trigger_events WHERE run_id = ? GROUP BY channel`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var ch, n int
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, err
		}
		counts[ch] = n
	}
	return counts, rows.Err()
}

// MetricsHistory returns snapshots of a run taken at or after since, oldest
// first, capped at limit.
func (db *DB) MetricsHistory(ctx context.Context, runID string, since time.Time, limit int) ([]pipeline.HistoryPoint, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT taken_unix_nanos, cycle, throughput_sps, avg_latency_ns, max_latency_ns,
			fifo_utilization_pct, instant_fifo_pct, trigger_rate_ppm, warning_flags,
			samples_total, triggers_total, overflow_attempts, adc_timeouts
		 FROM metrics_snapshots
		 WHERE run_id = ? AND taken_unix_nanos >= ?
		 ORDER BY taken_unix_nanos, rowid LIMIT ?`, runID, since.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.HistoryPoint
	for rows.Next() {
		var (
			taken int64
			s     perfmon.Snapshot
		)
		if err := rows.Scan(&taken, &s.Cycle, &s.ThroughputSPS, &s.AvgLatencyNs, &s.MaxLatencyNs,
			&s.FIFOUtilizationPct, &s.InstantFIFOPct, &s.TriggerRatePPM, &s.WarningFlags,
			&s.SamplesTotal, &s.TriggersTotal, &s.OverflowAttempts, &s.ADCTimeouts); err != nil {
			return nil, err
		}
		out = append(out, pipeline.HistoryPoint{Time: time.Unix(0, taken).UTC(), Snapshot: s})
	}
	return out, rows.Err()
}

// RegisterWrites returns every write recorded for a run in order.
func (db *DB) RegisterWrites(ctx context.Context, runID string) ([]RegisterWriteRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT written_unix, reg_index, value FROM register_writes WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegisterWriteRecord
	for rows.Next() {
		var (
			rec     RegisterWriteRecord
			written int64
		)
		if err := rows.Scan(&written, &rec.Index, &rec.Value); err != nil {
			return nil, err
		}
		rec.Time = time.Unix(written, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
