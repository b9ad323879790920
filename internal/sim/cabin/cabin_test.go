package cabin

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"evacsim.ai/internal/sim/geom"
	"evacsim.ai/internal/sim/layout"
	"evacsim.ai/internal/sim/scenario"
	"evacsim.ai/internal/sim/tuning"
)

func openRoom(w, h int, seats, exits []geom.Vec2i) layout.Decoded {
	tpl := layout.NewTemplate(geom.Vec2i{}, w, h)
	for _, s := range seats {
		tpl.Set(s.X, s.Y, layout.Seat)
	}
	for _, e := range exits {
		tpl.Set(e.X, e.Y, layout.Exit)
	}
	return layout.Decode(tpl)
}

func testParams(n int, working ...bool) scenario.Params {
	masses := make([]int, n)
	for i := range masses {
		masses[i] = 68
	}
	return scenario.Params{
		PassengerCount: n,
		SurvivalChance: 100,
		Masses:         masses,
		WorkingExits:   working,
		UpdateRate:     60,
		SurvivalTime:   60,
		Seed:           1,
	}
}

// quickTuning removes the response jitter and the open delay.
func quickTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.Agent.ResponseJitter = 0
	t.Exit.OpenDelayMin = 0
	t.Exit.OpenDelayMax = 0
	return t
}

func mustCabin(t *testing.T, p scenario.Params, tun tuning.Tuning, d layout.Decoded) *Cabin {
	t.Helper()
	c, err := New(p, tun, d, rand.New(rand.NewSource(p.Seed)), nil)
	if err != nil {
		t.Fatalf("new cabin: %v", err)
	}
	return c
}

func TestNew_LayoutMismatch(t *testing.T) {
	d := openRoom(40, 40, []geom.Vec2i{{X: 8, Y: 8}}, []geom.Vec2i{{X: 30, Y: 30}})
	if _, err := New(testParams(2, true), tuning.Defaults(), d, nil, nil); !errors.Is(err, ErrLayout) {
		t.Fatalf("two passengers, one seat: got %v", err)
	}
	if _, err := New(testParams(1, true, true), tuning.Defaults(), d, nil, nil); !errors.Is(err, ErrLayout) {
		t.Fatalf("exit flags mismatch: got %v", err)
	}
	p := testParams(1, true)
	p.Masses = nil
	if _, err := New(p, tuning.Defaults(), d, nil, nil); !errors.Is(err, scenario.ErrMassCount) {
		t.Fatalf("missing masses: got %v", err)
	}
}

func TestSingleAgentAtExit_EscapesOnDelayExpiry(t *testing.T) {
	d := openRoom(40, 40, []geom.Vec2i{{X: 8, Y: 8}}, []geom.Vec2i{{X: 9, Y: 9}})
	c := mustCabin(t, testParams(1, true), quickTuning(), d)

	if c.Step() {
		t.Fatalf("run ended on the first tick")
	}
	a := c.Agents()[0]
	if !a.InQueue() || c.Exits()[0].Phase() != Negotiating {
		t.Fatalf("agent should be queued at a negotiating exit: queued=%v phase=%v", a.InQueue(), c.Exits()[0].Phase())
	}
	if !c.Step() {
		t.Fatalf("run should end on the expiry tick")
	}
	st := c.Stats()
	if st.Escaped != 1 || st.Perished != 0 || st.Reason != EndAllEscaped || st.Ticks != 2 {
		t.Fatalf("stats=%+v", st)
	}
	if len(c.Frame().Agents) != 0 {
		t.Fatalf("escaped agents must not be rendered")
	}
}

func TestBrokenNearestExit_RepathsOnce(t *testing.T) {
	d := openRoom(120, 40, []geom.Vec2i{{X: 8, Y: 16}}, []geom.Vec2i{{X: 28, Y: 16}, {X: 100, Y: 16}})
	c := mustCabin(t, testParams(1, false, true), quickTuning(), d)

	var got []ExitDecided
	c.OnDecision(func(ev ExitDecided) { got = append(got, ev) })

	a := c.Agents()[0]
	if a.TargetExit() != 0 || a.PathRequests() != 1 {
		t.Fatalf("initial target=%d paths=%d", a.TargetExit(), a.PathRequests())
	}
	st := c.RunHeadless(0)
	if st.Escaped != 1 || st.Reason != EndAllEscaped {
		t.Fatalf("stats=%+v", st)
	}
	if a.PathRequests() != 2 {
		t.Fatalf("expected exactly one re-path, got %d path requests", a.PathRequests()-1)
	}
	if a.TargetExit() != 1 {
		t.Fatalf("final target=%d", a.TargetExit())
	}
	if w := a.Warned(); len(w) != 1 || w[0] != 0 {
		t.Fatalf("warned=%v", w)
	}
	if len(got) != 2 || got[0].Exit != 0 || got[0].Functioning || got[1].Exit != 1 || !got[1].Functioning {
		t.Fatalf("decisions=%+v", got)
	}
}

func TestHighGForce_NeverMovesBeforeHorizon(t *testing.T) {
	d := openRoom(120, 40, []geom.Vec2i{{X: 8, Y: 16}}, []geom.Vec2i{{X: 100, Y: 16}})
	p := testParams(1, true)
	p.GForce = 34
	p.SurvivalTime = 1
	c := mustCabin(t, p, tuning.Defaults(), d)

	a := c.Agents()[0]
	if a.Response() < 45 {
		t.Fatalf("response=%v", a.Response())
	}
	start := a.Pos()
	st := c.RunHeadless(0)
	if st.Escaped != 0 || st.Perished != 1 || st.Reason != EndHorizon {
		t.Fatalf("stats=%+v", st)
	}
	if st.Ticks != 61 {
		t.Fatalf("horizon should end the run at tick 61, got %d", st.Ticks)
	}
	if a.Pos() != start || a.InQueue() {
		t.Fatalf("agent moved or queued before responding")
	}
}

func TestDeadAgentsStayPut(t *testing.T) {
	seats := []geom.Vec2i{{X: 8, Y: 16}, {X: 8, Y: 32}}
	d := openRoom(120, 60, seats, []geom.Vec2i{{X: 20, Y: 16}})
	p := testParams(2, false)
	p.AccountForSurvival = true
	p.SurvivalChance = 0
	p.Communicate = true
	c := mustCabin(t, p, quickTuning(), d)

	before := make([]geom.Vec2i, len(c.Agents()))
	for i, a := range c.Agents() {
		if a.Alive() {
			t.Fatalf("agent %d should start dead", i)
		}
		before[i] = a.Pos()
	}
	for i := 0; i < 300 && !c.Step(); i++ {
	}
	for i, a := range c.Agents() {
		if a.Pos() != before[i] || a.InQueue() || a.Removed() {
			t.Fatalf("dead agent %d changed: pos=%+v queued=%v", i, a.Pos(), a.InQueue())
		}
	}
	if q := c.Exits()[0].Queued(); len(q) != 0 {
		t.Fatalf("dead agents queued: %v", q)
	}
	f := c.Frame()
	if len(f.Agents) != 2 || f.Agents[0].Alive {
		t.Fatalf("dead agents should render with alive=false: %+v", f.Agents)
	}
}

func TestCollisionPair_AtMostOneMoves(t *testing.T) {
	seats := []geom.Vec2i{{X: 8, Y: 8}, {X: 40, Y: 8}}
	d := openRoom(200, 40, seats, []geom.Vec2i{{X: 190, Y: 30}})
	c := mustCabin(t, testParams(2, true), quickTuning(), d)

	a, b := c.Agents()[0], c.Agents()[1]
	a.x, a.y = 100, 10
	b.x, b.y = 111, 10
	a.refresh()
	b.refresh()
	a.collisions, b.collisions = 0, 0

	a.move(c, geom.Vec2i{X: 120, Y: 10})
	a.refresh()
	b.move(c, geom.Vec2i{X: 90, Y: 10})
	b.refresh()

	moved := 0
	if a.x != 100 {
		moved++
	}
	if b.x != 111 {
		moved++
	}
	if moved > 1 {
		t.Fatalf("both agents moved: a=%v b=%v", a.x, b.x)
	}
	if a.x != 101 || b.x != 111 || b.collisions != 1 {
		t.Fatalf("a=%v b=%v b.collisions=%d", a.x, b.x, b.collisions)
	}
}

func TestPushThrough_IgnoresCollision(t *testing.T) {
	seats := []geom.Vec2i{{X: 8, Y: 8}, {X: 40, Y: 8}}
	d := openRoom(200, 40, seats, []geom.Vec2i{{X: 190, Y: 30}})
	c := mustCabin(t, testParams(2, true), quickTuning(), d)

	a, b := c.Agents()[0], c.Agents()[1]
	a.x, a.y = 100, 10
	b.x, b.y = 105, 10
	a.refresh()
	b.refresh()
	a.collisions = c.tun.Agent.PushThroughMax

	a.move(c, geom.Vec2i{X: 120, Y: 10})
	if a.x != 101 || a.collisions != 0 {
		t.Fatalf("push-through should move and reset: x=%v collisions=%d", a.x, a.collisions)
	}
}

func TestMove_ExactFinalStep(t *testing.T) {
	d := openRoom(200, 40, []geom.Vec2i{{X: 8, Y: 8}}, []geom.Vec2i{{X: 190, Y: 30}})
	c := mustCabin(t, testParams(1, true), quickTuning(), d)
	a := c.Agents()[0]
	a.x, a.y = 10.5, 10
	a.refresh()
	a.move(c, geom.Vec2i{X: 10, Y: 12})
	if a.x != 10 || a.y != 11 {
		t.Fatalf("x=%v y=%v", a.x, a.y)
	}
}

func TestRumor_Idempotent(t *testing.T) {
	seats := []geom.Vec2i{{X: 8, Y: 16}}
	d := openRoom(160, 40, seats, []geom.Vec2i{{X: 60, Y: 16}, {X: 140, Y: 16}})
	c := mustCabin(t, testParams(1, true, true), quickTuning(), d)
	a := c.Agents()[0]

	a.onRumor(c, 0)
	if a.TargetExit() != 1 || a.PathRequests() != 2 {
		t.Fatalf("rumor should retarget: exit=%d paths=%d", a.TargetExit(), a.PathRequests())
	}
	digest := c.Digest()
	cands := a.Candidates()
	a.onRumor(c, 0)
	if c.Digest() != digest || a.PathRequests() != 2 || len(a.Candidates()) != len(cands) {
		t.Fatalf("repeated rumor changed state")
	}
}

func TestRumor_IgnoredOneStepFromGoal(t *testing.T) {
	d := openRoom(160, 40, []geom.Vec2i{{X: 8, Y: 16}}, []geom.Vec2i{{X: 60, Y: 16}, {X: 140, Y: 16}})
	c := mustCabin(t, testParams(1, true, true), quickTuning(), d)
	a := c.Agents()[0]
	a.path = a.path[:1]

	a.onRumor(c, 0)
	if len(a.Warned()) != 0 || a.TargetExit() != 0 {
		t.Fatalf("rumor should be ignored with one waypoint left")
	}
}

func TestBroadcast_ReachesPeersInRange(t *testing.T) {
	seats := []geom.Vec2i{{X: 8, Y: 16}, {X: 20, Y: 16}, {X: 8, Y: 36}}
	d := openRoom(200, 60, seats, []geom.Vec2i{{X: 100, Y: 4}, {X: 180, Y: 50}})
	c := mustCabin(t, testParams(3, true, true), quickTuning(), d)
	a := c.Agents()[0]
	a.shout = 15
	a.learn(0)

	rumors := a.broadcast(c)
	if len(rumors) != 1 || rumors[0].To != 1 || rumors[0].Exit != 0 {
		t.Fatalf("rumors=%+v", rumors)
	}
	c.Agents()[1].alive = false
	if r := a.broadcast(c); len(r) != 0 {
		t.Fatalf("dead peers must not be told: %+v", r)
	}
}

func TestNoCandidates_Stalls(t *testing.T) {
	d := openRoom(160, 40, []geom.Vec2i{{X: 8, Y: 16}}, []geom.Vec2i{{X: 60, Y: 16}, {X: 140, Y: 16}})
	c := mustCabin(t, testParams(1, true, true), quickTuning(), d)
	a := c.Agents()[0]

	a.onRumor(c, 0)
	a.onRumor(c, 1)
	if !a.Stalled() || a.TargetExit() != -1 || len(a.Path()) != 0 {
		t.Fatalf("agent should stall: exit=%d path=%d", a.TargetExit(), len(a.Path()))
	}
	st := c.Stats()
	if st.Stalled != 1 || st.Remaining != 1 || st.Perished != 1 {
		t.Fatalf("stats=%+v", st)
	}
	before := a.Pos()
	for i := 0; i < 50; i++ {
		c.Step()
	}
	if a.Pos() != before {
		t.Fatalf("stalled agent moved")
	}
}

func TestUnreachableExit_KillsAgent(t *testing.T) {
	tpl := layout.NewTemplate(geom.Vec2i{}, 80, 40)
	tpl.Fill(40, 0, 44, 40, layout.Obstacle)
	tpl.Set(8, 16, layout.Seat)
	tpl.Set(60, 16, layout.Exit)
	c := mustCabin(t, testParams(1, true), quickTuning(), layout.Decode(tpl))
	a := c.Agents()[0]
	if a.Alive() {
		t.Fatalf("agent with no path should die")
	}
	st := c.RunHeadless(10)
	if st.Dead != 1 || st.Escaped != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSeatThinning(t *testing.T) {
	seats := make([]geom.Vec2i, 10)
	for i := range seats {
		seats[i] = geom.Vec2i{X: i * 20, Y: 0}
	}
	got := thinSeats(seats, 4, rand.New(rand.NewSource(5)))
	if len(got) != 4 {
		t.Fatalf("len=%d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].X <= got[i-1].X {
			t.Fatalf("template order lost: %+v", got)
		}
	}
	if len(seats) != 10 {
		t.Fatalf("input mutated")
	}
}

func TestAgentSpeed(t *testing.T) {
	cfg := tuning.Defaults().Agent
	if s := agentSpeed(0, 68, cfg); s != 1 {
		t.Fatalf("base speed=%v", s)
	}
	if s := agentSpeed(0, 136, cfg); s != cfg.MinSpeed {
		t.Fatalf("heavy speed=%v", s)
	}
	if s := agentSpeed(5.1, 68, cfg); s != 0.5 {
		t.Fatalf("half g speed=%v", s)
	}
}

type recordingTicks struct {
	order *[]string
	ticks *[]uint64
	err   error
}

func (r recordingTicks) WriteTick(e TickLogEntry) error {
	*r.order = append(*r.order, "tick")
	*r.ticks = append(*r.ticks, e.Tick)
	return r.err
}

func TestStep_FinalTickReachesSinksBeforeStats(t *testing.T) {
	d := openRoom(40, 40, []geom.Vec2i{{X: 8, Y: 8}}, []geom.Vec2i{{X: 9, Y: 9}})
	c := mustCabin(t, testParams(1, true), quickTuning(), d)

	var (
		order []string
		ticks []uint64
	)
	frames := make(chan Frame, 16)
	c.SetTickLogger(recordingTicks{order: &order, ticks: &ticks})
	c.SetFrameSink(frames)
	var lastFrame uint64
	c.OnFinish(func(st Stats) {
		order = append(order, "stats")
		ticks = append(ticks, st.Ticks)
		for len(frames) > 0 {
			lastFrame = (<-frames).Tick
		}
	})

	st := c.RunHeadless(0)
	if st.Reason != EndAllEscaped {
		t.Fatalf("stats=%+v", st)
	}
	n := len(order)
	if n < 2 || order[n-2] != "tick" || order[n-1] != "stats" {
		t.Fatalf("sink order=%v", order)
	}
	if ticks[n-2] != st.Ticks || ticks[n-1] != st.Ticks {
		t.Fatalf("ticks=%v want final tick %d logged before stats", ticks, st.Ticks)
	}
	if lastFrame != st.Ticks {
		t.Fatalf("last frame before stats=%d want %d", lastFrame, st.Ticks)
	}
}

func TestStep_TickLogFailureWarnsOnce(t *testing.T) {
	d := openRoom(120, 40, []geom.Vec2i{{X: 8, Y: 16}}, []geom.Vec2i{{X: 100, Y: 16}})
	p := testParams(1, true)
	p.SurvivalTime = 1
	log, hook := logtest.NewNullLogger()
	c, err := New(p, quickTuning(), d, rand.New(rand.NewSource(p.Seed)), log)
	if err != nil {
		t.Fatalf("new cabin: %v", err)
	}
	var (
		order []string
		ticks []uint64
	)
	c.SetTickLogger(recordingTicks{order: &order, ticks: &ticks, err: errors.New("disk full")})
	c.RunHeadless(0)

	if len(ticks) < 2 {
		t.Fatalf("expected several tick writes, got %d", len(ticks))
	}
	warns := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warns++
			if e.Data[logrus.ErrorKey] == nil {
				t.Fatalf("warning without error field: %+v", e.Data)
			}
		}
	}
	if warns != 1 {
		t.Fatalf("warnings=%d want 1", warns)
	}
}
