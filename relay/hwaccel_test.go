package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"verdin/ffmpeg"
	"verdin/ffmpeg/ffmpegtest"
)

func codecOf(cmd ffmpeg.Command) string {
	for i, a := range cmd.Args {
		if a == "-c:v" && i+1 < len(cmd.Args) {
			return cmd.Args[i+1]
		}
	}
	return ""
}

// probeRunner answers each probe by codec: exit code plus optional stderr line.
func probeRunner(results map[string]struct {
	code int
	line string
}) *ffmpegtest.Runner {
	r := ffmpegtest.NewRunner()
	r.OnStart = func(p *ffmpegtest.Process) {
		res, ok := results[codecOf(p.Cmd)]
		if !ok {
			p.Exit(1)
			return
		}
		if res.line != "" {
			p.Emit(ffmpeg.StreamStderr, res.line)
		}
		p.Exit(res.code)
	}
	return r
}

func TestDetectorPicksFirstWorkingEncoder(t *testing.T) {
	r := probeRunner(map[string]struct {
		code int
		line string
	}{
		"h264_nvenc": {code: 1, line: "Cannot load nvcuda.dll"},
		"h264_qsv":   {code: 0},
	})
	d := NewDetector(r, "ffmpeg", time.Second)

	c, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if c != EncoderIntel {
		t.Fatalf("expected intel, got %s", c)
	}
	if n := len(r.Commands()); n != 2 {
		t.Fatalf("expected 2 probes, got %d", n)
	}
}

func TestDetectorFailureSignatureOverridesExitCode(t *testing.T) {
	r := probeRunner(map[string]struct {
		code int
		line string
	}{
		"h264_nvenc": {code: 0, line: "No NVENC capable devices found"},
		"h264_qsv":   {code: 0, line: "Error while opening encoder for output stream #0:0"},
		"h264_amf":   {code: 0, line: "AMF encoder not found"},
	})
	d := NewDetector(r, "ffmpeg", time.Second)

	c, _ := d.Detect(context.Background())
	if c != EncoderSoftware {
		t.Fatalf("expected software fallback, got %s", c)
	}
}

func TestDetectorProbeTimeout(t *testing.T) {
	r := ffmpegtest.NewRunner()
	r.OnStart = func(p *ffmpegtest.Process) {
		if codecOf(p.Cmd) == "h264_amf" {
			p.Exit(0)
		}
		// other probes hang until killed
	}
	d := NewDetector(r, "ffmpeg", 20*time.Millisecond)

	c, _ := d.Detect(context.Background())
	if c != EncoderAMD {
		t.Fatalf("expected amd, got %s", c)
	}
	procs := r.Processes()
	if procs[0].Kills() != 1 || procs[1].Kills() != 1 {
		t.Fatal("hung probes were not killed")
	}
}

func TestDetectorCachesResult(t *testing.T) {
	r := probeRunner(map[string]struct {
		code int
		line string
	}{"h264_nvenc": {code: 0}})
	d := NewDetector(r, "ffmpeg", time.Second)

	for i := 0; i < 3; i++ {
		if c, _ := d.Detect(context.Background()); c != EncoderNVIDIA {
			t.Fatalf("call %d: got %s", i, c)
		}
	}
	if n := len(r.Commands()); n != 1 {
		t.Fatalf("expected a single probe, got %d", n)
	}
	if d.Sequences() != 1 {
		t.Fatalf("expected one probe sequence, got %d", d.Sequences())
	}
}

func TestDetectorConcurrentCallersShareOneProbe(t *testing.T) {
	release := make(chan struct{})
	r := ffmpegtest.NewRunner()
	r.OnStart = func(p *ffmpegtest.Process) {
		<-release
		if codecOf(p.Cmd) == "h264_qsv" {
			p.Exit(0)
			return
		}
		p.Exit(1)
	}
	d := NewDetector(r, "ffmpeg", 5*time.Second)

	const n = 8
	var wg sync.WaitGroup
	results := make([]EncoderCapability, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = d.Detect(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if d.Sequences() != 1 {
		t.Fatalf("expected exactly one probe sequence, got %d", d.Sequences())
	}
	for i, c := range results {
		if c != EncoderIntel {
			t.Fatalf("caller %d got %s", i, c)
		}
	}
	if got := len(r.Commands()); got != 2 {
		t.Fatalf("expected 2 probe processes, got %d", got)
	}
}

func TestDetectorContextCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := ffmpegtest.NewRunner()
	r.OnStart = func(p *ffmpegtest.Process) {
		<-release
		p.Exit(0)
	}
	d := NewDetector(r, "ffmpeg", 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Detect(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestEncoderArgs(t *testing.T) {
	for _, c := range []EncoderCapability{EncoderNVIDIA, EncoderIntel, EncoderAMD, EncoderSoftware} {
		args := EncoderArgs(c)
		joined := strings.Join(args, " ")
		if !strings.HasPrefix(joined, "-c:v "+c.Codec()) {
			t.Errorf("%s: unexpected codec in %q", c, joined)
		}
		if !strings.HasSuffix(joined, "-bf 0") {
			t.Errorf("%s: B-frames not disabled: %q", c, joined)
		}
		if !strings.Contains(joined, "-g 60") || !strings.Contains(joined, "-keyint_min 30") {
			t.Errorf("%s: missing GOP flags: %q", c, joined)
		}
	}
	if !strings.Contains(strings.Join(EncoderArgs(EncoderNVIDIA), " "), "-tune ll") {
		t.Error("nvenc should use low latency tuning")
	}
}

func TestRelayArgs(t *testing.T) {
	const output = "rtsp://localhost:8554/clienta/cam1_processed"
	args := RelayArgs("rtsp://cam/1", output, EncoderSoftware)
	joined := strings.Join(args, " ")
	for _, want := range []string{"-rtsp_transport tcp", "-i rtsp://cam/1", "-c:v libx264", "-c:a aac", "-f rtsp", "-bf 0", "-loglevel info"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %q", want, joined)
		}
	}
	in, out := strings.Index(joined, "-i rtsp://cam/1"), strings.Index(joined, output)
	if out < in {
		t.Fatalf("output must follow input: %q", joined)
	}
	// input options go before -i, encoder options after it
	if t1 := strings.Index(joined, "-timeout 30000000"); t1 < 0 || t1 > in {
		t.Errorf("input timeout misplaced in %q", joined)
	}
	if v := strings.Index(joined, "-c:v libx264"); v < in {
		t.Errorf("encoder flags before input in %q", joined)
	}
}

func TestRelayArgsCarryEncoderFlags(t *testing.T) {
	joined := strings.Join(RelayArgs("rtsp://cam/1", "rtsp://out", EncoderNVIDIA), " ")
	for _, want := range []string{"-c:v h264_nvenc", "-tune ll", "-rc cbr", "-g 60"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %q", want, joined)
		}
	}
}
