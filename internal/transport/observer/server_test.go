package observer

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"evacsim.ai/internal/observerproto"
	"evacsim.ai/internal/protocol"
	"evacsim.ai/internal/sim/cabin"
	"evacsim.ai/internal/sim/encoding"
	"evacsim.ai/internal/sim/layout"
	"evacsim.ai/internal/sim/scenario"
	"evacsim.ai/internal/sim/tuning"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, n int) (*cabin.Cabin, *Hub, *Server) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	p := scenario.Params{
		PassengerCount: n,
		SurvivalChance: 100,
		GForce:         1,
		Masses:         scenario.RandomMasses(n, scenario.DefaultMassMin, scenario.DefaultMassMax, rng),
		WorkingExits:   []bool{true, true, true, true, true, true, true, true},
		RenderPath:     true,
		UpdateRate:     60,
		SurvivalTime:   2,
		Seed:           1,
	}
	tun := tuning.Defaults()
	tpl := layout.Fixed()
	c, err := cabin.New(p, tun, layout.Decode(tpl), rand.New(rand.NewSource(p.Seed)), testLogger())
	if err != nil {
		t.Fatalf("cabin.New: %v", err)
	}
	c.SetRunID("run-test")
	hub := NewHub(c.RunID(), n, testLogger())
	c.SetFrameSink(hub.Frames())
	srv := NewServer(c, tpl, tun.TileSize, tun.Agent.BoxSize, tun.TicksPerSecond, hub, testLogger())
	return c, hub, srv
}

func TestBootstrapHandler(t *testing.T) {
	_, _, srv := newTestServer(t, 4)

	req := httptest.NewRequest(http.MethodGet, "/v1/bootstrap", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	srv.BootstrapHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var boot observerproto.BootstrapResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.RunID != "run-test" || len(boot.Exits) != layout.ExitCount || len(boot.Seats) != layout.SeatCount {
		t.Fatalf("bootstrap=%+v", boot)
	}
	if boot.CabinParams.Passengers != 4 || boot.CabinParams.TicksPerSecond != 60 {
		t.Fatalf("cabin params=%+v", boot.CabinParams)
	}
	cells, err := encoding.DecodeRLE(boot.Raster.Data, boot.Raster.W*boot.Raster.H)
	if err != nil || len(cells) != boot.Raster.W*boot.Raster.H {
		t.Fatalf("raster: %d cells err=%v", len(cells), err)
	}
	seat := boot.Seats[0]
	if m := layout.Marker(cells[(seat.X-boot.Raster.Origin.X)+(seat.Y-boot.Raster.Origin.Y)*boot.Raster.W]); m != layout.Seat {
		t.Fatalf("raster marker at first seat=%d", m)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/bootstrap", nil)
	rec = httptest.NewRecorder()
	srv.BootstrapHandler()(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote client got status %d", rec.Code)
	}
	var e protocol.ErrorMsg
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Code != protocol.ErrDenied {
		t.Fatalf("error body=%s err=%v", rec.Body.String(), err)
	}
}

func TestStatsHandler_RunningThenFinal(t *testing.T) {
	c, hub, srv := newTestServer(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	get := func() (observerproto.StatsMsg, string) {
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		req.RemoteAddr = "[::1]:4000"
		rec := httptest.NewRecorder()
		srv.StatsHandler()(rec, req)
		var m observerproto.StatsMsg
		if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return m, rec.Header().Get("X-Run-State")
	}

	m, state := get()
	if state != "running" || m.Total != 3 || m.Ticks != 0 {
		t.Fatalf("before start: %+v state=%q", m, state)
	}

	st := c.RunHeadless(0)
	hub.Finish(st)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("hub did not stop after Finish")
	}

	m, state = get()
	if state != "" || m.Ticks != st.Ticks || m.Escaped != st.Escaped || m.Reason == "" {
		t.Fatalf("final: %+v state=%q want %+v", m, state, st)
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWSHandler_StreamsFramesThenStats(t *testing.T) {
	c, hub, srv := newTestServer(t, 6)
	ts := httptest.NewServer(srv.WSHandler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dial(t, ts.URL)
	defer conn.Close()
	sub, _ := json.Marshal(observerproto.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: observerproto.Version, Paths: true})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		hub.mu.Lock()
		n := len(hub.subs)
		hub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	go func() {
		for !c.Step() {
			time.Sleep(time.Millisecond)
		}
		hub.Finish(c.Stats())
	}()

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	frames := 0
	var lastTick uint64
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read after %d frames: %v", frames, err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			t.Fatalf("decode base: %v", err)
		}
		if base.Type == protocol.TypeFrame {
			var f observerproto.FrameMsg
			if err := json.Unmarshal(msg, &f); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if f.Tick <= lastTick {
				t.Fatalf("frames out of order: %d after %d", f.Tick, lastTick)
			}
			if len(f.Exits) != layout.ExitCount {
				t.Fatalf("frame exits=%d", len(f.Exits))
			}
			lastTick = f.Tick
			frames++
			continue
		}
		if base.Type != protocol.TypeStats {
			t.Fatalf("unexpected message %s", msg)
		}
		var st observerproto.StatsMsg
		if err := json.Unmarshal(msg, &st); err != nil {
			t.Fatalf("decode stats: %v", err)
		}
		if st.Total != 6 || st.RunID != "run-test" || st.Reason == "" {
			t.Fatalf("stats=%+v", st)
		}
		break
	}
	if frames == 0 {
		t.Fatalf("no frames before stats")
	}
}

func TestWSHandler_RejectsWrongVersion(t *testing.T) {
	_, _, srv := newTestServer(t, 1)
	ts := httptest.NewServer(srv.WSHandler())
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SUBSCRIBE","protocol_version":"0.1"}`))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e protocol.ErrorMsg
	if err := json.Unmarshal(msg, &e); err != nil || e.Code != protocol.ErrProtoVersion {
		t.Fatalf("got %s err=%v", msg, err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection should close after a bad handshake")
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80":  true,
		"[::1]:80":      true,
		"10.0.0.2:80":   false,
		"not-an-ip":     false,
		"192.0.2.1:123": false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", addr, got, want)
		}
	}
}
