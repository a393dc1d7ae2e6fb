package system

import (
	"context"
	"errors"
	"testing"
)

type recordingService struct {
	NoopService
	events   *[]string
	startErr error
}

func (s recordingService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.events = append(*s.events, "start:"+s.ServiceName)
	return nil
}

func (s recordingService) Stop(context.Context) error {
	*s.events = append(*s.events, "stop:"+s.ServiceName)
	return nil
}

func TestManagerOrdering(t *testing.T) {
	ctx := context.Background()
	var events []string
	m := NewManager(nil)

	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(recordingService{NoopService: NoopService{ServiceName: name}, events: &events}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Stop(ctx)

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("unexpected events %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s", i, events[i], want[i])
		}
	}
}

func TestManagerDuplicateName(t *testing.T) {
	m := NewManager(nil)
	if err := m.Register(NoopService{ServiceName: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(NoopService{ServiceName: "a"}); err == nil {
		t.Fatal("expected duplicate-name rejection")
	}
}

func TestManagerStartFailureUnwinds(t *testing.T) {
	ctx := context.Background()
	var events []string
	m := NewManager(nil)

	boom := errors.New("boom")
	_ = m.Register(recordingService{NoopService: NoopService{ServiceName: "a"}, events: &events})
	_ = m.Register(recordingService{NoopService: NoopService{ServiceName: "b"}, events: &events, startErr: boom})

	if err := m.Start(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	want := []string{"start:a", "stop:a"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("unexpected events %v", events)
	}
}
