package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"verdin/recording"
)

var ErrUnknownButton = errors.New("button is not mapped to a stream")

// ButtonResolver maps a button number to a stream path.
type ButtonResolver interface {
	PathForButton(button string) (string, bool)
}

// Recorder is the part of the recording manager a button drives.
type Recorder interface {
	IsActive(streamPath string) bool
	Start(ctx context.Context, streamPath, source string) (recording.Session, error)
	Stop(streamPath string) (recording.Session, error)
}

// ButtonToggler starts or stops the recording mapped to each button press.
type ButtonToggler struct {
	buttons  ButtonResolver
	recorder Recorder
	debounce time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewButtonToggler ignores repeated presses of the same button within debounce.
func NewButtonToggler(buttons ButtonResolver, recorder Recorder, debounce time.Duration) *ButtonToggler {
	return &ButtonToggler{
		buttons:  buttons,
		recorder: recorder,
		debounce: debounce,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// HandleSignal toggles the recording of the stream mapped to signal.
func (b *ButtonToggler) HandleSignal(signal string) error {
	path, ok := b.buttons.PathForButton(signal)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownButton, signal)
	}

	now := b.now()
	b.mu.Lock()
	if last, seen := b.lastSeen[signal]; seen && now.Sub(last) < b.debounce {
		b.mu.Unlock()
		log.Printf("[ARDUINO] Ignoring bounce on button %s", signal)
		return nil
	}
	b.lastSeen[signal] = now
	b.mu.Unlock()

	if b.recorder.IsActive(path) {
		if _, err := b.recorder.Stop(path); err != nil && !errors.Is(err, recording.ErrNotFound) {
			return err
		}
		log.Printf("[ARDUINO] Button %s stopped recording %s", signal, path)
		return nil
	}

	if _, err := b.recorder.Start(context.Background(), path, path); err != nil {
		return fmt.Errorf("button %s: %w", signal, err)
	}
	log.Printf("[ARDUINO] Button %s started recording %s", signal, path)
	return nil
}
