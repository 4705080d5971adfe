package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"crowdgate/internal/model"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestSubject(t *testing.T) {
	cases := map[model.EventKind]string{
		model.EventConnected:     "crowdgate.gate.connected",
		model.EventDisconnected:  "crowdgate.gate.disconnected",
		model.EventStatusChanged: "crowdgate.gate.status_changed",
		model.EventSourceError:   "crowdgate.gate.source_error",
		model.EventAlert:         "crowdgate.alert",
	}
	for kind, want := range cases {
		if got := Subject("", kind); got != want {
			t.Fatalf("%s: got %q want %q", kind, got, want)
		}
	}
	if got := Subject("site1", model.EventAlert); got != "site1.alert" {
		t.Fatalf("custom prefix: %q", got)
	}
}

func TestPublishAndSubscribe(t *testing.T) {
	url := startTestNATS(t)

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()
	ch, cancel, err := sub.Subscribe("crowdgate.gate.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	ev := model.Event{Kind: model.EventStatusChanged, GateID: "A", Generation: 3, From: model.StatusNormal, To: model.StatusWarning, Count: 165}
	if err := pub.Publish(context.Background(), Subject("", ev.Kind), ev); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	_ = pub.conn.Flush()

	select {
	case msg := <-ch:
		var got model.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.GateID != "A" || got.To != model.StatusWarning || got.Generation != 3 {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	url := startTestNATS(t)
	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()
	ch, cancel, err := sub.Subscribe("crowdgate.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	cancel()
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
