package observer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"evacsim.ai/internal/observerproto"
	"evacsim.ai/internal/protocol"
	"evacsim.ai/internal/sim/cabin"
)

type subscriber struct {
	id    string
	out   chan []byte
	every uint64
	paths bool
}

// Hub fans cabin frames out to websocket subscribers. The cabin pushes into
// Frames() from its own goroutine; Run encodes and distributes them.
type Hub struct {
	log logrus.FieldLogger

	frames   chan cabin.Frame
	finished chan cabin.Stats

	mu     sync.Mutex
	subs   map[string]*subscriber
	last   *cabin.Frame
	final  *cabin.Stats
	total  int
	runID  string
	closed bool
}

func NewHub(runID string, total int, log logrus.FieldLogger) *Hub {
	return &Hub{
		log:      log,
		frames:   make(chan cabin.Frame, 64),
		finished: make(chan cabin.Stats, 1),
		subs:     map[string]*subscriber{},
		total:    total,
		runID:    runID,
	}
}

// Frames is the sink to hand to Cabin.SetFrameSink.
func (h *Hub) Frames() chan<- cabin.Frame { return h.frames }

// Finish must be called once the cabin has stopped stepping. Frames already
// queued are delivered before the final STATS message.
func (h *Hub) Finish(st cabin.Stats) {
	select {
	case h.finished <- st:
	default:
	}
}

// Run distributes frames until Finish or ctx cancellation. Subscriber
// channels are closed on return.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-h.frames:
			h.publish(f)
		case st := <-h.finished:
		drain:
			for {
				select {
				case f := <-h.frames:
					h.publish(f)
				default:
					break drain
				}
			}
			h.publishStats(st)
			return
		}
	}
}

func (h *Hub) publish(f cabin.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &f
	if len(h.subs) == 0 {
		return
	}

	var full, bare []byte
	encode := func(paths bool) []byte {
		msg := observerproto.FrameMsg{Type: protocol.TypeFrame, ProtocolVersion: observerproto.Version, Frame: f}
		if !paths {
			msg.Frame = stripPaths(f)
		}
		b, err := json.Marshal(msg)
		if err != nil {
			h.log.WithError(err).Warn("encode frame")
			return nil
		}
		return b
	}
	for _, s := range h.subs {
		if s.every > 1 && f.Tick%s.every != 0 {
			continue
		}
		var b []byte
		if s.paths {
			if full == nil {
				full = encode(true)
			}
			b = full
		} else {
			if bare == nil {
				bare = encode(false)
			}
			b = bare
		}
		if b == nil {
			continue
		}
		select {
		case s.out <- b:
		default:
			// Slow observer: drop the frame, the next one supersedes it.
		}
	}
}

func (h *Hub) publishStats(st cabin.Stats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.final = &st
	b, err := json.Marshal(observerproto.StatsMsg{Type: protocol.TypeStats, ProtocolVersion: observerproto.Version, Stats: st})
	if err != nil {
		h.log.WithError(err).Warn("encode stats")
		return
	}
	for _, s := range h.subs {
		// Make room so the final message always lands.
		select {
		case s.out <- b:
		default:
			select {
			case <-s.out:
			default:
			}
			select {
			case s.out <- b:
			default:
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		close(s.out)
		delete(h.subs, id)
	}
}

// subscribe registers a subscriber. It returns false once the hub has stopped.
func (h *Hub) subscribe(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s.id] = s
	return true
}

func (h *Hub) update(id string, every uint64, paths bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		s.every = every
		s.paths = paths
	}
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		close(s.out)
		delete(h.subs, id)
	}
}

// Stats returns the final statistics once the run has ended, and a running
// tally from the latest frame before that.
func (h *Hub) Stats() (cabin.Stats, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.final != nil {
		return *h.final, true
	}
	st := cabin.Stats{RunID: h.runID, Total: h.total}
	if h.last != nil {
		st.Escaped = h.last.Escaped
		st.Perished = st.Total - st.Escaped
		st.Elapsed = h.last.Time
		st.Ticks = h.last.Tick
		for _, a := range h.last.Agents {
			if a.Alive {
				st.Remaining++
			} else {
				st.Dead++
			}
		}
	}
	return st, false
}

func (h *Hub) lastTick() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return 0
	}
	return h.last.Tick
}

func stripPaths(f cabin.Frame) cabin.Frame {
	out := f
	out.Agents = make([]cabin.AgentFrame, len(f.Agents))
	for i, a := range f.Agents {
		a.Path = nil
		out.Agents[i] = a
	}
	return out
}
