package heartbeat

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aptima-ai/aptima-framework-sub006/bridge"
)

func nextHeartbeat(t *testing.T, sub bridge.Subscription) *Heartbeat {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		hb, err := Unmarshal(msg.Data)
		if err != nil {
			t.Fatalf("Unmarshal error: %v", err)
		}
		return hb
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat")
		return nil
	}
}

func TestSender_PublishesOnInterval(t *testing.T) {
	bus := bridge.NewMemoryBus(bridge.DefaultBusConfig())
	defer bus.Close()
	mock := clock.NewMock()

	graphs := []string{"g1"}
	sender, err := NewSender(SenderConfig{
		Bus:      bus,
		AppURI:   uriA,
		Interval: 5 * time.Second,
		Graphs:   func() []string { return graphs },
		Clock:    mock,
	})
	if err != nil {
		t.Fatalf("NewSender error: %v", err)
	}
	sub, err := bus.Subscribe(sender.Subject())
	if err != nil {
		t.Fatal(err)
	}

	if err := sender.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	first := nextHeartbeat(t, sub)
	if first.AppURI != uriA || first.Status != StatusRunning {
		t.Errorf("first heartbeat = %+v", first)
	}
	if len(first.Graphs) != 1 || first.Graphs[0] != "g1" {
		t.Errorf("Graphs = %v, want [g1]", first.Graphs)
	}

	sender.SetStatus(StatusDraining)
	mock.Add(5 * time.Second)
	second := nextHeartbeat(t, sub)
	if second.Status != StatusDraining {
		t.Errorf("Status = %q, want %q", second.Status, StatusDraining)
	}
	if got := second.Timestamp.Sub(first.Timestamp); got != 5*time.Second {
		t.Errorf("interval = %v, want 5s", got)
	}

	if err := sender.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	mock.Add(10 * time.Second)
	select {
	case msg := <-sub.Messages():
		t.Errorf("heartbeat after Stop: %s", msg.Subject)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSender_StartStopTwice(t *testing.T) {
	bus := bridge.NewMemoryBus(bridge.DefaultBusConfig())
	defer bus.Close()

	sender, err := NewSender(SenderConfig{Bus: bus, AppURI: uriA, Clock: clock.NewMock()})
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.Stop(); err == nil {
		t.Error("Stop before Start should fail")
	}
	if err := sender.Start(); err != nil {
		t.Fatal(err)
	}
	if err := sender.Start(); err == nil {
		t.Error("second Start should fail")
	}
	if err := sender.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := sender.Stop(); err == nil {
		t.Error("second Stop should fail")
	}
}

func TestSender_ClosedBus(t *testing.T) {
	bus := bridge.NewMemoryBus(bridge.DefaultBusConfig())
	sender, err := NewSender(SenderConfig{Bus: bus, AppURI: uriA})
	if err != nil {
		t.Fatal(err)
	}
	bus.Close()
	if err := sender.Beat(); err == nil {
		t.Error("Beat on a closed bus should fail")
	}
}
