package relay

import (
	"testing"
	"time"

	"verdin/ffmpeg"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		line   string
		stream string
		want   Signal
	}{
		{"[tcp @ 0x1] Connection to tcp://10.0.0.5:554 failed: Connection refused", ffmpeg.StreamStderr, SignalCritical},
		{"rtsp://10.0.0.5:554/stream1: operation timed out", ffmpeg.StreamStderr, SignalCritical},
		{"Server returned 401 Unauthorized", ffmpeg.StreamStderr, SignalCritical},
		{"Stream mapping:", ffmpeg.StreamStderr, SignalHealthy},
		{"frame=  120 fps= 30 q=23.0 size=1024kB time=00:00:04.00 bitrate=2097.2kbits/s", ffmpeg.StreamStderr, SignalHealthy},
		{"Press [q] to stop, [?] for help", ffmpeg.StreamStderr, SignalHealthy},
		{"  libavutil      58.  2.100 / 58.  2.100", ffmpeg.StreamStderr, SignalInfo},
		{"anything at all", ffmpeg.StreamStdout, SignalHealthy},
		{"", ffmpeg.StreamStdout, SignalInfo},
	}
	for _, tt := range tests {
		if got := Classify(tt.line, tt.stream); got != tt.want {
			t.Errorf("Classify(%q, %s) = %v, want %v", tt.line, tt.stream, got, tt.want)
		}
	}
}

func TestHealthMonitorCounts(t *testing.T) {
	m := NewHealthMonitor()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	if h, ok := m.Get("cam"); ok || h.Status != HealthUnknown {
		t.Fatalf("expected unknown for new path, got %+v", h)
	}

	m.Observe("cam", "Stream mapping:", ffmpeg.StreamStderr)
	m.Observe("cam", "fps=30", ffmpeg.StreamStderr)
	m.Observe("cam", "Input #0, rtsp, from 'rtsp://x'", ffmpeg.StreamStderr)

	h, _ := m.Get("cam")
	if h.Status != HealthHealthy || h.HealthyCount != 2 || h.UnhealthyCount != 0 {
		t.Fatalf("unexpected health %+v", h)
	}

	m.Observe("cam", "Connection refused", ffmpeg.StreamStderr)
	h, _ = m.Get("cam")
	if h.Status != HealthUnhealthy || h.UnhealthyCount != 1 || h.LastError != "Connection refused" {
		t.Fatalf("unexpected health %+v", h)
	}
	if !h.LastSeen.Equal(fixed) {
		t.Fatalf("last seen not updated: %v", h.LastSeen)
	}
	if h.Percent() != 67 {
		t.Fatalf("expected 67%%, got %d", h.Percent())
	}

	m.Clear("cam")
	if _, ok := m.Get("cam"); ok {
		t.Fatal("clear did not drop the path")
	}
}
