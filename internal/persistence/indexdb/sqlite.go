package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"evacsim.ai/internal/sim/cabin"
	"evacsim.ai/internal/sim/scenario"
)

type SQLiteIndex struct {
	db *sqlx.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu guards closed and every send on ch, so no send can race Close.
	mu     sync.RWMutex
	closed bool

	dropRun      atomic.Uint64
	dropTick     atomic.Uint64
	dropDecision atomic.Uint64
	dropStats    atomic.Uint64
}

type reqKind int

const (
	reqRun reqKind = iota + 1
	reqTick
	reqStats
	reqFlush
)

type req struct {
	kind reqKind

	run   RunRow
	tick  tickRow
	stats StatsRow
	done  chan struct{}
}

// RunRow describes one run as it started.
type RunRow struct {
	RunID          string  `db:"run_id" json:"run_id"`
	Seed           int64   `db:"seed" json:"seed"`
	Passengers     int     `db:"passengers" json:"passengers"`
	GForce         float64 `db:"g_force" json:"g_force"`
	SurvivalChance float64 `db:"survival_chance" json:"survival_chance"`
	WorkingExits   string  `db:"working_exits" json:"working_exits"`
	LogDir         string  `db:"log_dir" json:"log_dir"`
	StartedAt      string  `db:"started_at" json:"started_at"`
	ScenarioJSON   string  `db:"scenario_json" json:"-"`
}

type tickRow struct {
	RunID string
	Entry cabin.TickLogEntry
}

// DecisionRow is one exit telling one agent whether it works.
type DecisionRow struct {
	RunID       string `db:"run_id" json:"run_id"`
	Seq         int    `db:"seq" json:"seq"`
	Tick        int64  `db:"tick" json:"tick"`
	Exit        int    `db:"exit_id" json:"exit"`
	Agent       int    `db:"agent_id" json:"agent"`
	Functioning bool   `db:"functioning" json:"functioning"`
	Front       bool   `db:"front" json:"front"`
}

type StatsRow struct {
	RunID      string  `db:"run_id" json:"run_id"`
	Total      int     `db:"total" json:"total"`
	Escaped    int     `db:"escaped" json:"escaped"`
	Perished   int     `db:"perished" json:"perished"`
	Dead       int     `db:"dead" json:"dead"`
	Stalled    int     `db:"stalled" json:"stalled"`
	Remaining  int     `db:"remaining" json:"remaining"`
	Elapsed    float64 `db:"elapsed" json:"elapsed"`
	Ticks      int64   `db:"ticks" json:"ticks"`
	Reason     string  `db:"reason" json:"reason"`
	FinishedAt string  `db:"finished_at" json:"finished_at"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// One tick row per tick plus bursts of decisions when a door opens.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			seed INTEGER NOT NULL,
			passengers INTEGER NOT NULL,
			g_force REAL NOT NULL,
			survival_chance REAL NOT NULL,
			working_exits TEXT NOT NULL,
			log_dir TEXT NOT NULL,
			started_at TEXT NOT NULL,
			scenario_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			escaped INTEGER NOT NULL,
			decisions INTEGER NOT NULL,
			rumors INTEGER NOT NULL,
			digest TEXT NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			exit_id INTEGER NOT NULL,
			agent_id INTEGER NOT NULL,
			functioning INTEGER NOT NULL,
			front INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_exit ON decisions(run_id, exit_id, tick);`,
		`CREATE TABLE IF NOT EXISTS stats (
			run_id TEXT PRIMARY KEY,
			total INTEGER NOT NULL,
			escaped INTEGER NOT NULL,
			perished INTEGER NOT NULL,
			dead INTEGER NOT NULL,
			stalled INTEGER NOT NULL,
			remaining INTEGER NOT NULL,
			elapsed REAL NOT NULL,
			ticks INTEGER NOT NULL,
			reason TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// NewRunRow captures the scenario of a run about to start.
func NewRunRow(runID, logDir string, p scenario.Params, startedAt time.Time) RunRow {
	exits := make([]byte, len(p.WorkingExits))
	for i, ok := range p.WorkingExits {
		exits[i] = '0'
		if ok {
			exits[i] = '1'
		}
	}
	raw, _ := json.Marshal(p)
	return RunRow{
		RunID:          runID,
		Seed:           p.Seed,
		Passengers:     p.PassengerCount,
		GForce:         p.GForce,
		SurvivalChance: p.SurvivalChance,
		WorkingExits:   string(exits),
		LogDir:         logDir,
		StartedAt:      startedAt.UTC().Format(time.RFC3339Nano),
		ScenarioJSON:   string(raw),
	}
}

// enqueue hands r to the writer without blocking. open is false once Close has
// started; queued is false when the queue is full.
func (s *SQLiteIndex) enqueue(r req) (queued, open bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- r:
		return true, true
	default:
		return false, true
	}
}

func (s *SQLiteIndex) RecordRun(r RunRow) {
	if s == nil {
		return
	}
	if queued, open := s.enqueue(req{kind: reqRun, run: r}); open && !queued {
		s.dropRun.Add(1)
	}
}

// RecordTick indexes one tick and every decision made during it.
func (s *SQLiteIndex) RecordTick(runID string, e cabin.TickLogEntry) {
	if s == nil {
		return
	}
	// Drop if the indexer falls behind; the JSONL log remains the source of truth.
	if queued, open := s.enqueue(req{kind: reqTick, tick: tickRow{RunID: runID, Entry: e}}); open && !queued {
		s.dropTick.Add(1)
		if len(e.Decisions) > 0 {
			s.dropDecision.Add(uint64(len(e.Decisions)))
		}
	}
}

func (s *SQLiteIndex) RecordStats(st cabin.Stats) {
	if s == nil {
		return
	}
	r := StatsRow{
		RunID:      st.RunID,
		Total:      st.Total,
		Escaped:    st.Escaped,
		Perished:   st.Perished,
		Dead:       st.Dead,
		Stalled:    st.Stalled,
		Remaining:  st.Remaining,
		Elapsed:    st.Elapsed,
		Ticks:      int64(st.Ticks),
		Reason:     st.Reason,
		FinishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if queued, open := s.enqueue(req{kind: reqStats, stats: r}); open && !queued {
		s.dropStats.Add(1)
	}
}

// Flush blocks until everything queued so far is committed.
func (s *SQLiteIndex) Flush() {
	if s == nil {
		return
	}
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.ch <- req{kind: reqFlush, done: done}
	s.mu.RUnlock()
	<-done
}

// TickLogger binds the index to one run so a cabin can feed it directly.
func (s *SQLiteIndex) TickLogger(runID string) cabin.TickLogger {
	return runTicks{s: s, runID: runID}
}

type runTicks struct {
	s     *SQLiteIndex
	runID string
}

func (r runTicks) WriteTick(e cabin.TickLogEntry) error {
	r.s.RecordTick(r.runID, e)
	return nil
}

type QueueStats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropRunTotal      uint64 `json:"drop_run_total"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropDecisionTotal uint64 `json:"drop_decision_total"`
	DropStatsTotal    uint64 `json:"drop_stats_total"`
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropRunTotal:      s.dropRun.Load(),
		DropTickTotal:     s.dropTick.Load(),
		DropDecisionTotal: s.dropDecision.Load(),
		DropStatsTotal:    s.dropStats.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,seed,passengers,g_force,survival_chance,working_exits,log_dir,started_at,scenario_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,escaped,decisions,rumors,digest) VALUES(?,?,?,?,?,?)`)
	insertDecision, _ := s.db.Prepare(`INSERT OR REPLACE INTO decisions(run_id,seq,tick,exit_id,agent_id,functioning,front) VALUES(?,?,?,?,?,?,?)`)
	insertStats, _ := s.db.Prepare(`INSERT OR REPLACE INTO stats(run_id,total,escaped,perished,dead,stalled,remaining,elapsed,ticks,reason,finished_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, insertTick, insertDecision, insertStats} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		// decision sequence per run, assigned in the writer goroutine
		seqs = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqRun:
			ru := r.run
			exec(insertRun, ru.RunID, ru.Seed, ru.Passengers, ru.GForce, ru.SurvivalChance, ru.WorkingExits, ru.LogDir, ru.StartedAt, ru.ScenarioJSON)

		case reqTick:
			e := r.tick.Entry
			if !exec(insertTick, r.tick.RunID, int64(e.Tick), e.Escaped, len(e.Decisions), e.Rumors, e.Digest) {
				continue
			}
			for _, d := range e.Decisions {
				seq := seqs[r.tick.RunID]
				if !exec(insertDecision, r.tick.RunID, seq, int64(e.Tick), d.Exit, d.Agent, d.Functioning, d.Front) {
					break
				}
				seqs[r.tick.RunID] = seq + 1
			}

		case reqStats:
			st := r.stats
			exec(insertStats, st.RunID, st.Total, st.Escaped, st.Perished, st.Dead, st.Stalled, st.Remaining, st.Elapsed, st.Ticks, st.Reason, st.FinishedAt)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
