package relay

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ffmpeggo "github.com/u2takey/ffmpeg-go"
	"golang.org/x/sync/singleflight"

	"verdin/ffmpeg"
)

// EncoderCapability is the H.264 encoder family the relays use.
type EncoderCapability string

const (
	EncoderNVIDIA   EncoderCapability = "nvidia"
	EncoderIntel    EncoderCapability = "intel"
	EncoderAMD      EncoderCapability = "amd"
	EncoderSoftware EncoderCapability = "software"
)

func (c EncoderCapability) Codec() string {
	switch c {
	case EncoderNVIDIA:
		return "h264_nvenc"
	case EncoderIntel:
		return "h264_qsv"
	case EncoderAMD:
		return "h264_amf"
	default:
		return "libx264"
	}
}

func (c EncoderCapability) Description() string {
	switch c {
	case EncoderNVIDIA:
		return "NVIDIA NVENC"
	case EncoderIntel:
		return "Intel Quick Sync Video"
	case EncoderAMD:
		return "AMD AMF"
	default:
		return "Software (libx264)"
	}
}

type encoderProbe struct {
	capability EncoderCapability
	args       []string
	failures   []string
}

// Probes run in this order; the first one that passes wins.
var encoderProbes = []encoderProbe{
	{
		capability: EncoderNVIDIA,
		args:       []string{"-c:v", "h264_nvenc", "-preset", "p1"},
		failures:   []string{"Cannot load nvcuda.dll", "No NVENC capable devices found", "Unknown encoder", "Error while opening encoder"},
	},
	{
		capability: EncoderIntel,
		args:       []string{"-c:v", "h264_qsv", "-preset", "fast"},
		failures:   []string{"Unknown encoder", "Error while opening encoder", "No QSV device found"},
	},
	{
		capability: EncoderAMD,
		args:       []string{"-c:v", "h264_amf", "-quality", "balanced"},
		failures:   []string{"Unknown encoder", "Error while opening encoder", "AMF encoder not found"},
	},
}

// Detector finds the best working hardware encoder once per process.
// Concurrent callers share a single probe sequence.
type Detector struct {
	runner     ffmpeg.Runner
	ffmpegPath string
	timeout    time.Duration

	mu       sync.RWMutex
	cached   EncoderCapability
	detected bool

	group     singleflight.Group
	sequences atomic.Int32
}

func NewDetector(runner ffmpeg.Runner, ffmpegPath string, timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Detector{runner: runner, ffmpegPath: ffmpegPath, timeout: timeout}
}

// Cached returns the detected capability without probing.
func (d *Detector) Cached() (EncoderCapability, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached, d.detected
}

// Detect returns the cached capability, joins a detection already in
// flight, or runs the probe sequence. It only fails if ctx is done
// before a result is available; the probe itself keeps running for
// the other waiters.
func (d *Detector) Detect(ctx context.Context) (EncoderCapability, error) {
	if c, ok := d.Cached(); ok {
		return c, nil
	}

	ch := d.group.DoChan("detect", func() (interface{}, error) {
		if c, ok := d.Cached(); ok {
			return c, nil
		}
		c := d.probeAll(context.WithoutCancel(ctx))
		d.mu.Lock()
		d.cached = c
		d.detected = true
		d.mu.Unlock()
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			log.Println("[hwaccel] GPU detection already in progress, waited for shared result")
		}
		return res.Val.(EncoderCapability), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Sequences reports how many full probe sequences have run.
func (d *Detector) Sequences() int { return int(d.sequences.Load()) }

func (d *Detector) probeAll(ctx context.Context) EncoderCapability {
	d.sequences.Add(1)
	log.Println("[hwaccel] 🔍 Detecting GPU encoding capabilities...")

	for _, p := range encoderProbes {
		if d.runProbe(ctx, p) {
			log.Printf("[hwaccel] ✅ %s encoding (%s) is available", p.capability.Description(), p.capability.Codec())
			return p.capability
		}
		log.Printf("[hwaccel] ❌ %s encoding not available", p.capability.Description())
	}

	log.Println("[hwaccel] ℹ️ No hardware encoding available, using software encoding (libx264)")
	return EncoderSoftware
}

func (d *Detector) runProbe(ctx context.Context, p encoderProbe) bool {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		failed bool
	)
	args := append([]string{"-f", "lavfi", "-i", "testsrc2=duration=1:size=320x240:rate=30"}, p.args...)
	args = append(args, "-t", "1", "-f", "null", "-")

	proc, err := d.runner.Start(ctx, ffmpeg.Command{
		Path: d.ffmpegPath,
		Args: args,
		OnLine: func(stream, line string) {
			if stream != ffmpeg.StreamStderr {
				return
			}
			for _, sig := range p.failures {
				if strings.Contains(line, sig) {
					mu.Lock()
					failed = true
					mu.Unlock()
					return
				}
			}
		},
	})
	if err != nil {
		log.Printf("[hwaccel] %s probe failed to start: %v", p.capability, err)
		return false
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	select {
	case err := <-done:
		st, ok := ffmpeg.ExitStatusOf(err)
		mu.Lock()
		defer mu.Unlock()
		return ok && st.Code == 0 && st.Signal == "" && !failed
	case <-ctx.Done():
		log.Printf("[hwaccel] %s probe timed out after %v", p.capability, d.timeout)
		proc.Kill()
		<-done
		return false
	}
}

// EncoderArgs returns the video encoder flags for capability.
func EncoderArgs(c EncoderCapability) []string {
	common := []string{"-profile:v", "main", "-level", "4.0", "-pix_fmt", "yuv420p"}
	rate := []string{"-b:v", "800k", "-maxrate", "1200k", "-bufsize", "2400k", "-g", "60", "-keyint_min", "30"}

	var args []string
	switch c {
	case EncoderNVIDIA:
		args = append([]string{"-c:v", "h264_nvenc", "-preset", "p1", "-tune", "ll"}, common...)
		args = append(args, rate...)
		args = append(args,
			"-spatial_aq", "1",
			"-temporal_aq", "1",
			"-rc", "cbr",
			"-rc-lookahead", "20",
			"-surfaces", "8",
		)
	case EncoderIntel:
		args = append([]string{"-c:v", "h264_qsv", "-preset", "fast"}, common...)
		args = append(args, rate...)
		args = append(args,
			"-look_ahead", "1",
			"-look_ahead_depth", "15",
			"-mbbrc", "1",
			"-extbrc", "1",
			"-adaptive_i", "1",
			"-adaptive_b", "1",
		)
	case EncoderAMD:
		args = append([]string{"-c:v", "h264_amf", "-quality", "balanced"}, common...)
		args = append(args, rate...)
		args = append(args,
			"-rc", "cbr",
			"-preanalysis", "1",
			"-vbaq", "1",
			"-enforce_hrd", "1",
			"-filler_data", "1",
		)
	default:
		args = []string{
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-profile:v", "main",
			"-level", "4.0",
			"-crf", "26",
			"-maxrate", "1200k",
			"-bufsize", "2400k",
			"-g", "60",
			"-keyint_min", "30",
			"-x264-params", "nal-hrd=cbr:force-cfr=1",
			"-pix_fmt", "yuv420p",
			"-movflags", "+faststart",
		}
	}
	return append(args, "-bf", "0")
}

// RelayArgs builds the full relay command line: pull input over RTSP/TCP,
// scale to 720p at 30fps, encode with capability and push to output.
func RelayArgs(input, output string, c EncoderCapability) []string {
	out := ffmpeggo.KwArgs{
		"vf":               "scale=-1:720:flags=lanczos",
		"r":                "30",
		"fps_mode":         "cfr",
		"force_key_frames": "expr:gte(t,n_forced*2)",
		"c:a":              "aac",
		"b:a":              "64k",
		"ac":               "2",
		"ar":               "48000",
		"f":                "rtsp",
		"rtsp_transport":   "tcp",
		"muxdelay":         "0.1",
	}
	enc := EncoderArgs(c)
	for i := 0; i+1 < len(enc); i += 2 {
		out[strings.TrimPrefix(enc[i], "-")] = enc[i+1]
	}

	return ffmpeggo.Input(input, ffmpeggo.KwArgs{
		"rtsp_transport":              "tcp",
		"timeout":                     "30000000",
		"fflags":                      "+genpts+discardcorrupt+igndts",
		"avoid_negative_ts":           "make_zero",
		"use_wallclock_as_timestamps": "1",
		"analyzeduration":             "10000000",
		"probesize":                   "50000000",
	}).
		Output(output, out).
		GlobalArgs("-loglevel", "info").
		GetArgs()
}
