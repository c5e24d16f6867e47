package heartbeat

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/aptima-ai/aptima-framework-sub006/bridge"
	"github.com/aptima-ai/aptima-framework-sub006/errors"
)

const (
	uriA = "msgpack://10.0.0.1:8001/"
	uriB = "msgpack://10.0.0.2:8001/"
)

func TestHeartbeat_Marshal(t *testing.T) {
	hb := &Heartbeat{
		AppURI:    uriA,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Status:    StatusDraining,
		Graphs:    []string{"g1", "g2"},
	}
	data, err := hb.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if parsed.AppURI != uriA {
		t.Errorf("AppURI = %q, want %q", parsed.AppURI, uriA)
	}
	if !parsed.Timestamp.Equal(hb.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", parsed.Timestamp, hb.Timestamp)
	}
	if parsed.Status != StatusDraining {
		t.Errorf("Status = %q, want %q", parsed.Status, StatusDraining)
	}
	if len(parsed.Graphs) != 2 || parsed.Graphs[1] != "g2" {
		t.Errorf("Graphs = %v", parsed.Graphs)
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0x00}); !errors.Is(err, errors.ErrCodeInvalidArgument) {
		t.Errorf("garbage: err = %v, want INVALID_ARGUMENT", err)
	}

	data, err := cbor.Marshal(&Heartbeat{Status: StatusRunning})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); !errors.Is(err, errors.ErrCodeInvalidArgument) {
		t.Errorf("no uri: err = %v, want INVALID_ARGUMENT", err)
	}
}

func TestSubject(t *testing.T) {
	got := Subject("", uriA)
	if got != Subject(bridge.DefaultSubjectPrefix, uriA) {
		t.Errorf("empty prefix not defaulted: %q", got)
	}
	if err := bridge.ValidateSubject(got); err != nil {
		t.Errorf("subject %q invalid: %v", got, err)
	}
	if got == bridge.Subject(bridge.DefaultSubjectPrefix, uriA) {
		t.Error("heartbeat subject collides with the message subject")
	}
	if Subject("p", uriA) == Subject("p", uriB) {
		t.Error("different apps share a subject")
	}
}

func TestConfig_Validate(t *testing.T) {
	bus := bridge.NewMemoryBus(bridge.DefaultBusConfig())
	defer bus.Close()

	senders := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{"valid", SenderConfig{Bus: bus, AppURI: uriA}, false},
		{"missing bus", SenderConfig{AppURI: uriA}, true},
		{"missing uri", SenderConfig{Bus: bus}, true},
		{"negative interval", SenderConfig{Bus: bus, AppURI: uriA, Interval: -time.Second}, true},
	}
	for _, tt := range senders {
		t.Run("sender "+tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	monitors := []struct {
		name    string
		cfg     MonitorConfig
		wantErr bool
	}{
		{"valid", MonitorConfig{Bus: bus}, false},
		{"missing bus", MonitorConfig{}, true},
		{"negative timeout", MonitorConfig{Bus: bus, Timeout: -time.Second}, true},
	}
	for _, tt := range monitors {
		t.Run("monitor "+tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfigs(t *testing.T) {
	s := DefaultSenderConfig()
	if s.Interval != 5*time.Second {
		t.Errorf("Interval = %v, want 5s", s.Interval)
	}
	m := DefaultMonitorConfig()
	if m.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", m.Timeout)
	}
	if m.CheckInterval != time.Second {
		t.Errorf("CheckInterval = %v, want 1s", m.CheckInterval)
	}
}
