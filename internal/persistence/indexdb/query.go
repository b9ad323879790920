package indexdb

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Reader is the query side of the index. It opens its own pool so reads
// never wait on the writer transaction.
type Reader struct {
	db *sqlx.DB
}

func OpenReader(path string) (*Reader, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// RunSummary joins a run with its final stats. Finished is false while the
// run has not reported stats.
type RunSummary struct {
	RunRow
	Finished   bool    `db:"finished" json:"finished"`
	Escaped    int     `db:"escaped" json:"escaped"`
	Perished   int     `db:"perished" json:"perished"`
	Elapsed    float64 `db:"elapsed" json:"elapsed"`
	Reason     string  `db:"reason" json:"reason,omitempty"`
	FinishedAt string  `db:"finished_at" json:"finished_at,omitempty"`
}

func (r *Reader) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []RunSummary
	err := r.db.SelectContext(ctx, &out, `
		SELECT r.run_id, r.seed, r.passengers, r.g_force, r.survival_chance, r.working_exits,
			r.log_dir, r.started_at, r.scenario_json,
			s.run_id IS NOT NULL AS finished,
			COALESCE(s.escaped, 0) AS escaped,
			COALESCE(s.perished, 0) AS perished,
			COALESCE(s.elapsed, 0) AS elapsed,
			COALESCE(s.reason, '') AS reason,
			COALESCE(s.finished_at, '') AS finished_at
		FROM runs r LEFT JOIN stats s ON s.run_id = r.run_id
		ORDER BY r.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reader) Run(ctx context.Context, runID string) (RunRow, error) {
	var row RunRow
	err := r.db.GetContext(ctx, &row, `SELECT run_id,seed,passengers,g_force,survival_chance,working_exits,log_dir,started_at,scenario_json FROM runs WHERE run_id=?`, runID)
	return row, err
}

func (r *Reader) RunStats(ctx context.Context, runID string) (StatsRow, error) {
	var row StatsRow
	err := r.db.GetContext(ctx, &row, `SELECT run_id,total,escaped,perished,dead,stalled,remaining,elapsed,ticks,reason,finished_at FROM stats WHERE run_id=?`, runID)
	return row, err
}

// ExitDecisions lists the decisions of a run in the order they were made.
// exit < 0 selects every exit.
func (r *Reader) ExitDecisions(ctx context.Context, runID string, exit int) ([]DecisionRow, error) {
	q := `SELECT run_id,seq,tick,exit_id,agent_id,functioning,front FROM decisions WHERE run_id=?`
	args := []any{runID}
	if exit >= 0 {
		q += ` AND exit_id=?`
		args = append(args, exit)
	}
	q += ` ORDER BY seq`
	var out []DecisionRow
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// Digest returns the indexed state digest of one tick.
func (r *Reader) Digest(ctx context.Context, runID string, tick uint64) (string, error) {
	var d string
	err := r.db.GetContext(ctx, &d, `SELECT digest FROM ticks WHERE run_id=? AND tick=?`, runID, int64(tick))
	return d, err
}
