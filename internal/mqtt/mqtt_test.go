package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

func TestFormatPayload(t *testing.T) {
	event := logic.Event{
		Timestamp: time.Date(2026, 6, 1, 4, 30, 0, 0, time.UTC),
		Type:      logic.EventRunStarted,
		State:     logic.StateWatering,
		Mode:      logic.ModeAuto,
		ValveOpen: true,
		RunID:     "run-1",
		Origin:    logic.OriginSchedule,
		EntryID:   7,
		Seconds:   90,
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	p := parsed.Irrigation
	if p.Timestamp != "2026-06-01T04:30:00Z" {
		t.Errorf("unexpected timestamp: %s", p.Timestamp)
	}
	if p.Event != "RUN_STARTED" || p.State != "watering" || p.Mode != "auto" {
		t.Errorf("unexpected fields: %+v", p)
	}
	if !p.ValveOpen || p.RunID != "run-1" || p.Origin != "schedule" || p.EntryID != 7 || p.Seconds != 90 {
		t.Errorf("unexpected run fields: %+v", p)
	}
}

func TestFormatPayloadOmitsEmptyFields(t *testing.T) {
	payload, err := FormatPayload(logic.Event{
		Timestamp: time.Date(2026, 6, 1, 4, 30, 0, 0, time.UTC),
		Type:      logic.EventModeChanged,
		State:     logic.StateIdle,
		Mode:      logic.ModeManual,
	})
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatal(err)
	}
	inner := raw["irrigation"]
	for _, k := range []string{"run_id", "origin", "schedule_id", "seconds", "reason"} {
		if _, ok := inner[k]; ok {
			t.Errorf("%s should be omitted when empty", k)
		}
	}
	if v, ok := inner["valve_open"]; !ok || v != false {
		t.Errorf("valve_open must always be present, got %v", v)
	}
}

func TestFormatPayloadConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("BST", 3600)
	payload, err := FormatPayload(logic.Event{Timestamp: time.Date(2026, 6, 1, 5, 30, 0, 0, loc)})
	if err != nil {
		t.Fatal(err)
	}
	var parsed Payload
	_ = json.Unmarshal(payload, &parsed)
	if parsed.Irrigation.Timestamp != "2026-06-01T04:30:00Z" {
		t.Errorf("got %s", parsed.Irrigation.Timestamp)
	}
}

func TestFormatSystemPayload(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 6, 1, 4, 30, 0, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
	})
	if err != nil {
		t.Fatal(err)
	}
	var parsed SystemPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.System.Event != "SHUTDOWN" || parsed.System.Reason != "SIGTERM" {
		t.Errorf("got %+v", parsed.System)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"status":{"mode":"auto"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "STARTUP", RawPayload: raw})
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload should pass through, got %s", payload)
	}
}

func TestWillPayload(t *testing.T) {
	var parsed SystemPayload
	if err := json.Unmarshal(willPayload(), &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.System.Event != "OFFLINE" {
		t.Errorf("got %q", parsed.System.Event)
	}
}

func TestFakePublisherRecords(t *testing.T) {
	f := NewFakePublisher()
	_ = f.Publish(logic.Event{Type: logic.EventValveOpened})
	_ = f.Publish(logic.Event{Type: logic.EventValveClosed})
	_ = f.PublishSystem(SystemEvent{Event: "STARTUP"})

	types := f.EventTypes()
	if len(types) != 2 || types[0] != logic.EventValveOpened || types[1] != logic.EventValveClosed {
		t.Errorf("got %v", types)
	}
	if len(f.SystemEvents) != 1 || len(f.SystemPayloads) != 1 {
		t.Errorf("system events not recorded")
	}
}

func TestFakePublisherErrors(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("broker down")
	f.PublishSystemError = errors.New("broker down")

	if err := f.Publish(logic.Event{}); err == nil {
		t.Error("expected publish error")
	}
	if err := f.PublishSystem(SystemEvent{}); err == nil {
		t.Error("expected publish system error")
	}
	if len(f.Events) != 0 || len(f.SystemEvents) != 0 {
		t.Error("failed publishes must not be recorded")
	}
}

func TestFakePublisherResetAndClose(t *testing.T) {
	f := NewFakePublisher()
	f.Connected = true
	_ = f.Publish(logic.Event{})
	_ = f.Close()
	if !f.Closed || !f.IsConnected() {
		t.Fatal("expected closed and connected")
	}
	f.Reset()
	if f.Closed || f.IsConnected() || len(f.Events) != 0 {
		t.Error("reset should clear all state")
	}
}

func TestFakePublisherConcurrent(t *testing.T) {
	f := NewFakePublisher()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.Publish(logic.Event{Type: logic.EventStateChanged})
		}()
	}
	wg.Wait()
	if n := len(f.EventTypes()); n != 50 {
		t.Errorf("got %d events, want 50", n)
	}
}

func TestPublisherInterfaces(t *testing.T) {
	var _ Publisher = (*FakePublisher)(nil)
	var _ Publisher = (*RealPublisher)(nil)
	var _ ConnectionStatus = (*FakePublisher)(nil)
	var _ ConnectionStatus = (*RealPublisher)(nil)
}
