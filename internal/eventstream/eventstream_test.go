package eventstream_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawswarm/orchestrator/internal/bus"
	"github.com/clawswarm/orchestrator/internal/eventstream"
)

func TestServer_StreamsPublishedRecords(t *testing.T) {
	b := bus.New()
	srv := eventstream.New(b, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// Give the server goroutine time to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b.Publish("swarm_job_done", bus.Record{Component: "swarm", Type: "swarm_job_done", Timestamp: 123})

	var rec bus.Record
	if err := wsjson.Read(ctx, conn, &rec); err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Type != "swarm_job_done" || rec.Component != "swarm" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
