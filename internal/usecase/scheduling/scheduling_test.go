package scheduling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agent-orchestrator/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32
	bus := &recordingBus{}

	s := NewScheduler(newTestLogger(), bus)
	s.RegisterAction(ActionReloadKeywords, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(ScheduledTask{
		Name: "reload", Schedule: "50ms", Action: ActionReloadKeywords,
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
	if bus.len() < 1 {
		t.Error("expected scheduler.fired events")
	}
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)

	err := s.AddTask(ScheduledTask{
		Name: "unknown", Schedule: "100ms", Action: "does_not_exist",
	})
	if err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestSchedulerDuplicateTask(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)
	s.RegisterAction(ActionLogMetrics, func(context.Context) error { return nil })

	task := ScheduledTask{Name: "snapshot", Schedule: "1m", Action: ActionLogMetrics}
	if err := s.AddTask(task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask(task); err == nil {
		t.Error("expected error for duplicate task name")
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger(), nil)
	s.RegisterAction(ActionPruneSessions, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddTask(ScheduledTask{
		Name: "prune", Schedule: "50ms", Action: ActionPruneSessions,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop()

	countAfterCancel := count.Load()
	time.Sleep(100 * time.Millisecond)

	if count.Load() != countAfterCancel {
		t.Error("task continued after context cancellation")
	}
}

func TestSchedulerActionErrorIsRecorded(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)
	s.RegisterAction(ActionResetBreakers, func(ctx context.Context) error {
		return fmt.Errorf("simulated error")
	})
	s.AddTask(ScheduledTask{Name: "failing", Schedule: "50ms", Action: ActionResetBreakers})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	tasks := s.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Runs < 1 || tasks[0].LastErr != "simulated error" {
		t.Errorf("task info = %+v", tasks[0])
	}
}

func TestSchedulerOneShot(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger(), nil)
	s.RegisterAction(ActionReloadKeywords, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddTask(ScheduledTask{Name: "once", Schedule: "30ms", Action: ActionReloadKeywords, OneShot: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c != 1 {
		t.Errorf("one-shot fired %d times, want 1", c)
	}
	if len(s.Tasks()) != 0 {
		t.Error("one-shot task should be removed after running")
	}
}

func TestSchedulerRemoveTask(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)
	s.RegisterAction(ActionLogMetrics, func(context.Context) error { return nil })
	s.AddTask(ScheduledTask{Name: "b", Schedule: "@hourly", Action: ActionLogMetrics})
	s.AddTask(ScheduledTask{Name: "a", Schedule: "5m", Action: ActionLogMetrics})

	tasks := s.Tasks()
	if len(tasks) != 2 || tasks[0].Name != "a" || tasks[1].Name != "b" {
		t.Fatalf("Tasks = %+v", tasks)
	}
	if err := s.RemoveTask("a"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if err := s.RemoveTask("a"); err == nil {
		t.Error("expected error removing a missing task")
	}
	if len(s.Tasks()) != 1 {
		t.Error("task was not removed")
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"30m", false},
		{"100ms", false},
		{"", true},
		{"-5m", true},
		{"0s", true},
		{"every tuesday", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseSchedule(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestConstantDelay(t *testing.T) {
	sched, err := ParseSchedule("90s")
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := sched.Next(base); !got.Equal(base.Add(90 * time.Second)) {
		t.Errorf("Next = %v", got)
	}
}
