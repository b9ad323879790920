package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"evacsim.ai/internal/observerproto"
	"evacsim.ai/internal/protocol"
	"evacsim.ai/internal/sim/cabin"
	"evacsim.ai/internal/sim/encoding"
	"evacsim.ai/internal/sim/layout"
)

type Server struct {
	hub  *Hub
	boot observerproto.BootstrapResponse
	log  logrus.FieldLogger

	// AllowRemote lifts the loopback-only restriction.
	AllowRemote bool

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

// NewServer captures the cabin geometry up front; it must be called before the
// cabin starts stepping.
func NewServer(c *cabin.Cabin, t *layout.Template, tileSize, agentBox, ticksPerSecond int, hub *Hub, log logrus.FieldLogger) *Server {
	p := c.Params()
	d := layout.Decode(t)
	boot := observerproto.BootstrapResponse{
		Type:            protocol.TypeBootstrap,
		ProtocolVersion: observerproto.Version,
		RunID:           c.RunID(),
		CabinParams: observerproto.CabinParams{
			TicksPerSecond: ticksPerSecond,
			UpdateRate:     p.UpdateRate,
			TileSize:       tileSize,
			AgentBox:       agentBox,
			Passengers:     p.PassengerCount,
			SurvivalTime:   p.SurvivalTime,
			Seed:           p.Seed,
		},
		Window: observerproto.Window{MinX: d.Window.MinX, MinY: d.Window.MinY, MaxX: d.Window.MaxX, MaxY: d.Window.MaxY},
		Seats:  d.Seats,
		Raster: observerproto.Raster{
			Origin:   t.Origin,
			W:        t.W,
			H:        t.H,
			Encoding: encoding.Encoding,
			Data:     encoding.EncodeRLE(t.Cells),
		},
	}
	for _, e := range c.Exits() {
		boot.Exits = append(boot.Exits, observerproto.ExitInfo{ID: e.ID, X: e.Pos.X, Y: e.Pos.Y, Functioning: e.Functioning})
	}
	return &Server{
		hub:  hub,
		boot: boot,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) allowed(r *http.Request) bool {
	return s.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			writeError(rw, http.StatusForbidden, protocol.ErrDenied, "forbidden")
			return
		}
		resp := s.boot
		resp.Tick = s.hub.lastTick()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) StatsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			writeError(rw, http.StatusForbidden, protocol.ErrDenied, "forbidden")
			return
		}
		st, final := s.hub.Stats()
		rw.Header().Set("Content-Type", "application/json")
		if !final {
			rw.Header().Set("X-Run-State", "running")
		}
		_ = json.NewEncoder(rw).Encode(observerproto.StatsMsg{Type: protocol.TypeStats, ProtocolVersion: observerproto.Version, Stats: st})
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			writeError(rw, http.StatusForbidden, protocol.ErrDenied, "forbidden")
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, code := decodeSubscribe(msg)
		if code != "" {
			b, _ := json.Marshal(protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: observerproto.Version, Code: code, Message: "expected SUBSCRIBE " + observerproto.Version})
			_ = conn.WriteMessage(websocket.TextMessage, b)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 8)
		if !s.hub.subscribe(&subscriber{id: sid, out: out, every: everyN(sub), paths: sub.Paths}) {
			s.sendFinal(conn)
			return
		}
		defer s.hub.unsubscribe(sid)
		log := s.log.WithField("session", sid)
		log.Debug("observer subscribed")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine. A closed channel means the run ended.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), time.Now().Add(time.Second))
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, code := decodeSubscribe(msg)
			if code != "" {
				continue
			}
			s.hub.update(sid, everyN(sub), sub.Paths)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		log.Debug("observer left")
	}
}

// sendFinal serves a late subscriber: the run is over, so it gets the stats
// and a close.
func (s *Server) sendFinal(conn *websocket.Conn) {
	if st, final := s.hub.Stats(); final {
		b, _ := json.Marshal(observerproto.StatsMsg{Type: protocol.TypeStats, ProtocolVersion: observerproto.Version, Stats: st})
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), time.Now().Add(time.Second))
}

func decodeSubscribe(b []byte) (observerproto.SubscribeMsg, string) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(b, &sub); err != nil {
		return sub, protocol.ErrProtoBadRequest
	}
	if sub.Type != protocol.TypeSubscribe {
		return sub, protocol.ErrProtoBadRequest
	}
	if sub.ProtocolVersion != observerproto.Version {
		return sub, protocol.ErrProtoVersion
	}
	return sub, ""
}

func everyN(sub observerproto.SubscribeMsg) uint64 {
	if sub.EveryNTicks <= 1 {
		return 1
	}
	if sub.EveryNTicks > 600 {
		return 600
	}
	return uint64(sub.EveryNTicks)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Message: msg})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
