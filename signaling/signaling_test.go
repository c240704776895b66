package signaling

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"verdin/recording"
)

func TestReadSignals(t *testing.T) {
	var got []string
	err := readSignals(strings.NewReader("1;;2;\r\n3;4"), func(s string) error {
		got = append(got, s)
		if s == "2" {
			return errors.New("handler errors are logged, not fatal")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(got, ",") != "1,2,3" {
		t.Fatalf("unexpected signals %v", got)
	}
}

type buttonMap map[string]string

func (m buttonMap) PathForButton(b string) (string, bool) {
	p, ok := m[b]
	return p, ok
}

type fakeRecorder struct {
	active   map[string]bool
	starts   []string
	stops    []string
	startErr error
}

func (r *fakeRecorder) IsActive(p string) bool { return r.active[p] }

func (r *fakeRecorder) Start(_ context.Context, p, _ string) (recording.Session, error) {
	if r.startErr != nil {
		return recording.Session{}, r.startErr
	}
	r.starts = append(r.starts, p)
	r.active[p] = true
	return recording.Session{StreamPath: p}, nil
}

func (r *fakeRecorder) Stop(p string) (recording.Session, error) {
	r.stops = append(r.stops, p)
	delete(r.active, p)
	return recording.Session{StreamPath: p}, nil
}

func TestButtonTogglerToggles(t *testing.T) {
	rec := &fakeRecorder{active: map[string]bool{}}
	b := NewButtonToggler(buttonMap{"1": "clienta/cam1"}, rec, 2*time.Second)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	if err := b.HandleSignal("1"); err != nil {
		t.Fatal(err)
	}
	if len(rec.starts) != 1 || rec.starts[0] != "clienta/cam1" {
		t.Fatalf("expected start, got %v", rec.starts)
	}

	// bounce
	now = now.Add(500 * time.Millisecond)
	b.HandleSignal("1")
	if len(rec.stops) != 0 {
		t.Fatal("bounce toggled the recording")
	}

	now = now.Add(3 * time.Second)
	if err := b.HandleSignal("1"); err != nil {
		t.Fatal(err)
	}
	if len(rec.stops) != 1 {
		t.Fatalf("expected stop, got %v", rec.stops)
	}
}

func TestButtonTogglerErrors(t *testing.T) {
	rec := &fakeRecorder{active: map[string]bool{}, startErr: recording.ErrCapacityExceeded}
	b := NewButtonToggler(buttonMap{"1": "clienta/cam1"}, rec, 0)

	if err := b.HandleSignal("7"); !errors.Is(err, ErrUnknownButton) {
		t.Fatalf("expected ErrUnknownButton, got %v", err)
	}
	if err := b.HandleSignal("1"); !errors.Is(err, recording.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestNewArduinoSignalNeedsPort(t *testing.T) {
	if _, err := NewArduinoSignal("", 9600, nil); err == nil {
		t.Fatal("expected error without a port")
	}
}
