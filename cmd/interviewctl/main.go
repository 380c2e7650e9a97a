// interviewctl drives one interview session against a running gateway from
// the command line. Delivered audio chunks are written to numbered files in
// an output directory so the stream can be inspected after the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/intervox-ai/intervox/internal/audio"
	"github.com/intervox-ai/intervox/internal/client"
	"github.com/intervox-ai/intervox/internal/playback"
)

type options struct {
	baseURL        string
	agentID        string
	apiKey         string
	resumePath     string
	jobPath        string
	outDir         string
	asWAV          bool
	sampleRate     int
	confirmTimeout time.Duration
	duration       time.Duration
	verbose        bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "interviewctl: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "interviewctl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var confirmTimeoutMS int
	var durationS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	flag.StringVar(&cfg.agentID, "agent-id", "", "agent id to interview with (required)")
	flag.StringVar(&cfg.apiKey, "api-key", "", "upstream API key (required)")
	flag.StringVar(&cfg.resumePath, "resume", "", "path to the candidate resume text (required)")
	flag.StringVar(&cfg.jobPath, "job-description", "", "path to the job description text (required)")
	flag.StringVar(&cfg.outDir, "out-dir", "interview-audio", "directory for delivered audio chunks")
	flag.BoolVar(&cfg.asWAV, "wav", false, "treat chunks as raw PCM16LE and write them as WAV files")
	flag.IntVar(&cfg.sampleRate, "sample-rate", audio.DefaultSampleRate, "sample rate used with -wav")
	flag.IntVar(&confirmTimeoutMS, "confirm-timeout-ms", 10000, "wait for the server's connection confirmation in milliseconds")
	flag.IntVar(&durationS, "max-seconds", 600, "end the session after this many seconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print session progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.agentID) == "" {
		return options{}, fmt.Errorf("agent-id is required")
	}
	if strings.TrimSpace(cfg.apiKey) == "" {
		return options{}, fmt.Errorf("api-key is required")
	}
	if cfg.resumePath == "" || cfg.jobPath == "" {
		return options{}, fmt.Errorf("resume and job-description are required")
	}
	if confirmTimeoutMS <= 0 {
		return options{}, fmt.Errorf("confirm-timeout-ms must be > 0")
	}
	if durationS <= 0 {
		return options{}, fmt.Errorf("max-seconds must be > 0")
	}
	cfg.confirmTimeout = time.Duration(confirmTimeoutMS) * time.Millisecond
	cfg.duration = time.Duration(durationS) * time.Second
	return cfg, nil
}

func run(cfg options) error {
	resume, err := os.ReadFile(cfg.resumePath)
	if err != nil {
		return fmt.Errorf("read resume: %w", err)
	}
	job, err := os.ReadFile(cfg.jobPath)
	if err != nil {
		return fmt.Errorf("read job description: %w", err)
	}
	if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	pipeline := playback.New(func() (playback.Sink, error) {
		sink := newFileSink(cfg.outDir, cfg.verbose)
		if cfg.asWAV {
			sink.sampleRate = cfg.sampleRate
		}
		return sink, nil
	}, playback.Base64Decoder{})

	ctrl := client.NewController(client.Options{
		BaseURL:        cfg.baseURL,
		ConfirmTimeout: cfg.confirmTimeout,
	}, pipeline)

	done := make(chan struct{})
	ctrl.AddListener(&printListener{verbose: cfg.verbose, done: done})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	if err := ctrl.Start(ctx, client.Params{
		AgentID:        cfg.agentID,
		APIKey:         cfg.apiKey,
		Resume:         string(resume),
		JobDescription: string(job),
	}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("session started: conversation %s\n", ctrl.ConversationID())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		if cfg.verbose {
			fmt.Println("interrupt received, cancelling session")
		}
		cancelCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		if err := ctrl.Cancel(cancelCtx); err != nil {
			return fmt.Errorf("cancel session: %w", err)
		}
	case <-ctx.Done():
		cancelCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		if err := ctrl.Cancel(cancelCtx); err != nil {
			return fmt.Errorf("cancel session at deadline: %w", err)
		}
	case <-done:
		// Session ended on its own (server closed the channel or errored).
	}

	if cfg.verbose {
		fmt.Println("session finished")
	}
	return nil
}

// printListener reports lifecycle transitions and closes done once the
// session is back at idle after having been active.
type printListener struct {
	verbose bool
	done    chan struct{}

	mu        sync.Mutex
	wasActive bool
	closed    bool
}

func (l *printListener) OnStateChange(old, next client.State) {
	if l.verbose {
		fmt.Printf("state: %s -> %s\n", old, next)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if next == client.StateActive {
		l.wasActive = true
	}
	if next == client.StateIdle && l.wasActive && !l.closed {
		l.closed = true
		close(l.done)
	}
}

func (l *printListener) OnSessionError(err error) {
	fmt.Fprintf(os.Stderr, "session error: %v\n", err)
}

// fileSink writes each delivered chunk to a numbered file. Play returns
// once the chunk is on disk, which keeps delivery strictly ordered. With a
// sample rate set, chunks are treated as raw PCM16LE and wrapped as WAV.
type fileSink struct {
	dir        string
	verbose    bool
	sampleRate int

	mu sync.Mutex
	n  int
}

func newFileSink(dir string, verbose bool) *fileSink {
	return &fileSink{dir: dir, verbose: verbose}
}

func (s *fileSink) Play(pcm []byte) error {
	s.mu.Lock()
	s.n++
	n := s.n
	s.mu.Unlock()

	var path string
	if s.sampleRate > 0 {
		path = filepath.Join(s.dir, fmt.Sprintf("chunk-%04d.wav", n))
		if err := audio.WriteWAVPCM16LEFile(path, pcm, s.sampleRate); err != nil {
			return err
		}
	} else {
		path = filepath.Join(s.dir, fmt.Sprintf("chunk-%04d.bin", n))
		if err := os.WriteFile(path, pcm, 0o644); err != nil {
			return err
		}
	}
	if s.verbose {
		fmt.Printf("audio: %d bytes -> %s\n", len(pcm), path)
	}
	return nil
}

func (s *fileSink) Close() error { return nil }
