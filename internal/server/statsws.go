package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tileserved/tileserved/internal/stats"
)

// statsSubscribers manages concurrent access to the set of websocket
// connections watching the live stats feed.
type statsSubscribers struct {
	sync.RWMutex
	conns map[string]*websocket.Conn
}

func newStatsSubscribers() *statsSubscribers {
	return &statsSubscribers{conns: make(map[string]*websocket.Conn)}
}

func (s *statsSubscribers) add(id string, conn *websocket.Conn) {
	s.Lock()
	defer s.Unlock()
	s.conns[id] = conn
}

func (s *statsSubscribers) remove(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.conns, id)
}

func (s *statsSubscribers) broadcast(snap stats.Snapshot) {
	s.RLock()
	defer s.RUnlock()
	for id, conn := range s.conns {
		if err := conn.WriteJSON(snap); err != nil {
			// Best-effort: a write failure will also surface on the
			// connection's next ReadMessage in Handler, which removes it.
			_ = id
		}
	}
}

// StatsWS pushes periodic stats snapshots to subscribed websocket clients,
// a one-directional simplification of a full settings bridge: there is
// nothing for a stats viewer to send back.
type StatsWS struct {
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
	subs     *statsSubscribers
	counters *stats.Counters
}

func NewStatsWS(log *zap.SugaredLogger, counters *stats.Counters) *StatsWS {
	return &StatsWS{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs:     newStatsSubscribers(),
		counters: counters,
	}
}

// Run periodically broadcasts a stats snapshot until stop is closed.
func (s *StatsWS) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.subs.broadcast(s.counters.Snapshot())
		}
	}
}

// Handler upgrades the request to a websocket and keeps the connection
// registered until the client disconnects.
func (s *StatsWS) Handler(w http.ResponseWriter, r *http.Request) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	id := r.RemoteAddr
	s.subs.add(id, conn)
	s.log.Infow("stats websocket connected", "remote", id)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Errorw("stats websocket error", "remote", id, zap.Error(err))
			}
			break
		}
	}
	s.subs.remove(id)
	conn.Close()
	s.log.Infow("stats websocket closed", "remote", id)
	return nil
}
