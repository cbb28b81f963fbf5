// Package statusws exposes the supervisor's live task status over a
// websocket: one snapshot on connect, then periodic refreshes until the
// client disconnects.
package statusws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"grindbot.ai/internal/store"
)

// TaskLister is the slice of the store the feed reads. *store.Store
// satisfies it.
type TaskLister interface {
	ListTasks(ctx context.Context) ([]store.Task, error)
}

// Snapshot is one status frame sent to clients.
type Snapshot struct {
	At    time.Time    `json:"at"`
	Tasks []store.Task `json:"tasks"`
}

type Server struct {
	tasks    TaskLister
	log      *log.Logger
	interval time.Duration

	upgrader websocket.Upgrader
}

func NewServer(tasks TaskLister, logger *log.Logger) *Server {
	return &Server{
		tasks:    tasks,
		log:      logger,
		interval: 2 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // local tool
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Reader goroutine: we expect no frames from clients, but reading
		// is what detects a disconnect.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := s.writeSnapshot(ctx, conn); err != nil {
			return
		}
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.writeSnapshot(ctx, conn); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn) error {
	tasks, err := s.tasks.ListTasks(ctx)
	if err != nil {
		s.printf("status snapshot: %v", err)
		return err
	}
	snap := Snapshot{At: time.Now().UTC(), Tasks: tasks}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) printf(format string, args ...any) {
	if s != nil && s.log != nil {
		s.log.Printf(format, args...)
	}
}
