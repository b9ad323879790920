package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/matryer/way"
	"github.com/sirupsen/logrus"

	"evacsim.ai/internal/persistence/indexdb"
	persistlog "evacsim.ai/internal/persistence/log"
	"evacsim.ai/internal/protocol"
	"evacsim.ai/internal/sim/cabin"
	"evacsim.ai/internal/sim/layout"
	"evacsim.ai/internal/sim/scenario"
	"evacsim.ai/internal/sim/tuning"
	"evacsim.ai/internal/transport/observer"
)

func main() {
	var (
		addr         = flag.String("addr", "", "http listen address for the observer stream (empty to disable)")
		scenarioPath = flag.String("scenario", "", "path to scenario.yaml (default: full cabin, 45 degree crash at 246 m/s)")
		tuningPath   = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (defaults apply if missing)")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite run index")
		disableLog   = flag.Bool("disable_log", false, "disable the per-run tick log")
		headless     = flag.Bool("headless", false, "step as fast as possible instead of pacing at update_rate")
		linger       = flag.Bool("linger", false, "keep serving after the run ends until interrupted")
		seed         = flag.Int64("seed", 1337, "seed for the default scenario")
		allowRemote  = flag.Bool("allow_remote", false, "allow non-loopback observers")
		level        = flag.String("log_level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lv, err := logrus.ParseLevel(*level); err == nil {
		logger.SetLevel(lv)
	} else {
		logger.Warnf("unknown log level %q, using info", *level)
	}

	tun := tuning.Defaults()
	if _, err := os.Stat(*tuningPath); err == nil {
		t, err := tuning.Load(*tuningPath)
		if err != nil {
			logger.Fatalf("tuning: %v", err)
		}
		tun = t
	}

	var params scenario.Params
	if *scenarioPath != "" {
		p, err := scenario.Load(*scenarioPath)
		if err != nil {
			m := protocol.NewError(err)
			logger.WithField("code", m.Code).WithField("problems", m.Problems).Fatalf("scenario: %v", err)
		}
		params = p
	} else {
		params = scenario.Default(rand.New(rand.NewSource(*seed)))
	}

	runID := uuid.NewString()
	runDir := filepath.Join(*dataDir, "runs", runID)
	log := logger.WithField("run", runID)

	tpl := layout.Fixed()
	c, err := cabin.New(params, tun, layout.Decode(tpl), nil, log)
	if err != nil {
		m := protocol.NewError(err)
		log.WithField("code", m.Code).Fatalf("cabin: %v", err)
	}
	c.SetRunID(runID)
	startedAt := time.Now()

	var runLog *persistlog.RunLogger
	if !*disableLog {
		runLog = persistlog.NewRunLogger(runDir)
		if err := runLog.WriteHeader(persistlog.Header{RunID: runID, Scenario: params, Tuning: tun, StartedAt: startedAt.UTC()}); err != nil {
			log.Fatalf("run log: %v", err)
		}
		defer runLog.Close()
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "runs.sqlite"))
		if err != nil {
			log.Fatalf("index: %v", err)
		}
		defer idx.Close()
		idx.RecordRun(indexdb.NewRunRow(runID, runDir, params, startedAt))
	}

	ticks := multiTickLogger{}
	if runLog != nil {
		ticks.a = runLog
	}
	if idx != nil {
		ticks.b = idx.TickLogger(runID)
	}
	c.SetTickLogger(ticks)
	c.OnFinish(func(st cabin.Stats) {
		if runLog != nil {
			if err := runLog.WriteStats(st); err != nil {
				log.WithError(err).Warn("run log stats")
			}
		}
		idx.RecordStats(st)
	})
	var admitted, turnedAway int
	c.OnDecision(func(ev cabin.ExitDecided) {
		if ev.Functioning {
			admitted++
		} else {
			turnedAway++
		}
	})

	ctx, cancel := signalContext()
	defer cancel()

	var hub *observer.Hub
	if *addr != "" {
		hub = observer.NewHub(runID, params.PassengerCount, log)
		c.SetFrameSink(hub.Frames())
		obsSrv := observer.NewServer(c, tpl, tun.TileSize, tun.Agent.BoxSize, tun.TicksPerSecond, hub, log)
		obsSrv.AllowRemote = *allowRemote
		go hub.Run(ctx)
		srv := &http.Server{
			Addr:              *addr,
			Handler:           routes(obsSrv, hub, idx),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			log.Infof("listening on %s", *addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("ListenAndServe: %v", err)
			}
		}()
	}

	log.WithFields(logrus.Fields{
		"passengers": params.PassengerCount,
		"g_force":    params.GForce,
		"seed":       params.Seed,
		"headless":   *headless,
	}).Info("run starting")

	if *headless {
		for !c.Step() {
			if ctx.Err() != nil {
				break
			}
		}
	} else if err := c.Run(ctx); err != nil && err != context.Canceled {
		log.WithError(err).Warn("run stopped")
	}

	st := c.Stats()
	if hub != nil {
		hub.Finish(st)
	}
	if runLog != nil {
		if err := runLog.Flush(); err != nil {
			log.WithError(err).Warn("run log flush")
		}
	}
	log.WithFields(logrus.Fields{
		"admitted":    admitted,
		"turned_away": turnedAway,
	}).Info(summary(st, time.Since(startedAt)))

	if *linger && *addr != "" && ctx.Err() == nil {
		log.Info("run finished, serving until interrupted")
		<-ctx.Done()
	}
}

func summary(st cabin.Stats, wall time.Duration) string {
	pct := 0.0
	if st.Total > 0 {
		pct = 100 * float64(st.Escaped) / float64(st.Total)
	}
	reason := st.Reason
	if reason == "" {
		reason = "interrupted"
	}
	return fmt.Sprintf("%s of %s escaped (%s%%), %s dead, %s stalled, %ss simulated over %s ticks in %s (%s)",
		humanize.Comma(int64(st.Escaped)),
		humanize.Comma(int64(st.Total)),
		humanize.FtoaWithDigits(pct, 1),
		humanize.Comma(int64(st.Dead)),
		humanize.Comma(int64(st.Stalled)),
		humanize.FtoaWithDigits(st.Elapsed, 2),
		humanize.Comma(int64(st.Ticks)),
		wall.Round(time.Millisecond),
		reason,
	)
}

func routes(obsSrv *observer.Server, hub *observer.Hub, idx *indexdb.SQLiteIndex) *way.Router {
	router := way.NewRouter()
	router.HandleFunc("GET", "/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain")
		_, _ = rw.Write([]byte("ok\n"))
	})
	router.HandleFunc("GET", "/metrics", func(rw http.ResponseWriter, r *http.Request) {
		st, final := hub.Stats()
		q := idx.Stats()
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(rw, "evacsim_tick{run=%q} %d\n", st.RunID, st.Ticks)
		fmt.Fprintf(rw, "evacsim_escaped{run=%q} %d\n", st.RunID, st.Escaped)
		fmt.Fprintf(rw, "evacsim_dead{run=%q} %d\n", st.RunID, st.Dead)
		fmt.Fprintf(rw, "evacsim_elapsed_seconds{run=%q} %g\n", st.RunID, st.Elapsed)
		fmt.Fprintf(rw, "evacsim_finished{run=%q} %d\n", st.RunID, boolInt(final))
		fmt.Fprintf(rw, "evacsim_index_queue_depth %d\n", q.QueueDepth)
		fmt.Fprintf(rw, "evacsim_index_drop_tick_total %d\n", q.DropTickTotal)
		fmt.Fprintf(rw, "evacsim_index_drop_decision_total %d\n", q.DropDecisionTotal)
	})
	router.HandleFunc("GET", "/v1/bootstrap", obsSrv.BootstrapHandler())
	router.HandleFunc("GET", "/v1/stats", obsSrv.StatsHandler())
	router.HandleFunc("GET", "/v1/frames", obsSrv.WSHandler())
	router.NotFound = http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(rw).Encode(protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: protocol.ErrProtoBadRequest, Message: "no such endpoint"})
	})
	return router
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

type multiTickLogger struct {
	a cabin.TickLogger
	b cabin.TickLogger
}

// WriteTick feeds both sinks even when the first fails.
func (m multiTickLogger) WriteTick(entry cabin.TickLogEntry) error {
	var errA, errB error
	if m.a != nil {
		errA = m.a.WriteTick(entry)
	}
	if m.b != nil {
		errB = m.b.WriteTick(entry)
	}
	return errors.Join(errA, errB)
}
