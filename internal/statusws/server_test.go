package statusws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"grindbot.ai/internal/store"
)

type fakeLister struct{ tasks []store.Task }

func (f *fakeLister) ListTasks(ctx context.Context) ([]store.Task, error) {
	return f.tasks, nil
}

func TestStatusFeedSendsSnapshots(t *testing.T) {
	lister := &fakeLister{tasks: []store.Task{
		{ID: "t1", Character: "Bob", TaskType: "mining", State: store.StateRunning, ProcessID: 42},
	}}
	s := NewServer(lister, nil)
	s.interval = 20 * time.Millisecond

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Initial snapshot plus at least one periodic refresh.
	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var snap Snapshot
		if err := json.Unmarshal(msg, &snap); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if len(snap.Tasks) != 1 || snap.Tasks[0].ID != "t1" {
			t.Fatalf("snapshot %d = %+v", i, snap)
		}
		if snap.Tasks[0].State != store.StateRunning {
			t.Fatalf("state = %s", snap.Tasks[0].State)
		}
	}
}
