package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/famoratech/InterviewCopilot/api"
	"github.com/famoratech/InterviewCopilot/audio"
	"github.com/famoratech/InterviewCopilot/capture"
	"github.com/famoratech/InterviewCopilot/clipboard"
	"github.com/famoratech/InterviewCopilot/credits"
	"github.com/famoratech/InterviewCopilot/doctor"
	"github.com/famoratech/InterviewCopilot/encoder"
	"github.com/famoratech/InterviewCopilot/log"
	"github.com/famoratech/InterviewCopilot/session"
)

var version = "dev"

// key presses from the TUI; non-blocking, one pending at most
var startStopChan = make(chan struct{}, 1)
var copyChan = make(chan struct{}, 1)

var shutdownOnce sync.Once

func main() {
	run()
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run() {
	godotenv.Load()

	serverFlag := flag.String("server", "", "Backend base URL (default: COPILOT_SERVER)")
	tokenFlag := flag.String("token", "", "Bearer token for the session (default: COPILOT_TOKEN)")
	resumeFlag := flag.String("resume", "", "Resume file to submit as interview context")
	jobFlag := flag.String("job", "", "Job description text to submit as interview context")
	setupFlag := flag.Bool("setup", false, "Select the capture device interactively")
	deviceFlag := flag.String("device", "", "Use named capture device (otherwise system loopback)")
	archiveFlag := flag.String("archive", "", "Directory for per-session FLAC recordings")
	logPathFlag := flag.String("logpath", "", "Log directory path (default: OS-specific location)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	testFlag := flag.String("test", "", "Headless test mode driven by stdin, fed from the given WAV file")
	flag.Parse()

	server := *serverFlag
	if server == "" {
		server = envDefault("COPILOT_SERVER", "http://localhost:8000")
	}
	token := *tokenFlag
	if token == "" {
		token = os.Getenv("COPILOT_TOKEN")
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	if *versionFlag {
		fmt.Printf("interviewcopilot %s\n", version)
		os.Exit(0)
	}

	if *doctorFlag {
		os.Exit(doctor.Run(server, token))
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	client := api.New(server, token)

	if *testFlag != "" {
		runTestMode(*testFlag, token)
		return
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	deviceName := *deviceFlag
	if *setupFlag && deviceName == "" {
		dev, err := audio.SelectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: device selection failed: %v\n", err)
		} else if dev != nil {
			deviceName = dev.Name
		}
	}

	if *resumeFlag != "" || *jobFlag != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := client.SubmitContext(ctx, *resumeFlag, *jobFlag)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error submitting interview context: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Interview context submitted.")
	}

	meter := credits.NewMeter()
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		minutes, err := client.Balance(ctx)
		cancel()
		switch {
		case err == nil:
			meter.Seed(minutes)
		case errors.Is(err, api.ErrNoBalance):
			log.Info("no balance record, meter stays unknown")
		default:
			log.Warnf("balance lookup failed: %v", err)
		}
	}

	wsURL, err := client.WSURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	a := &app{
		svc:        capture.NewService(actx, capture.Config{Device: deviceName}),
		meter:      meter,
		token:      token,
		wsURL:      wsURL,
		archiveDir: *archiveFlag,
	}

	tuiMu.Lock()
	tuiProgram = NewTUIProgram()
	tuiMu.Unlock()

	tuiDone := make(chan struct{})
	go func() {
		defer close(tuiDone)
		if _, err := tuiProgram.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
		}
	}()

	tuiSend(DeviceLineMsg{Text: deviceLineText(deviceName)})
	if s, known := meter.Remaining(); known {
		tuiSend(RemainingMsg{Seconds: s, Known: true})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-startStopChan:
			a.toggleSession()
		case <-copyChan:
			a.copyAnswer()
		case <-sigChan:
			gracefulShutdown(a)
			return
		case <-tuiDone:
			gracefulShutdown(a)
			return
		}
	}
}

func deviceLineText(name string) string {
	if name == "" {
		return "audio: system loopback"
	}
	return "audio: " + name
}

// app owns the live controller; one at a time, a new one per session.
type app struct {
	svc        *capture.Service
	meter      *credits.Meter
	token      string
	wsURL      string
	archiveDir string

	mu      sync.Mutex
	current *session.Controller
}

func (a *app) toggleSession() {
	a.mu.Lock()
	ctl := a.current
	a.mu.Unlock()

	if ctl != nil {
		switch ctl.State() {
		case session.StateConnecting, session.StateConnected:
			ctl.Stop()
			return
		case session.StateClosing:
			return
		}
	}
	a.startSession()
}

func (a *app) startSession() {
	id := uuid.NewString()

	var arch *encoder.FlacArchive
	var rec session.ChunkRecorder
	if a.archiveDir != "" {
		path := filepath.Join(a.archiveDir, "session-"+id[:8]+".flac")
		var err error
		arch, err = encoder.NewFlacArchive(path)
		if err != nil {
			log.Warnf("archive disabled: %v", err)
		} else {
			rec = arch
		}
	}

	ctl := session.New(session.Config{
		ID:      id,
		Token:   a.token,
		URL:     a.wsURL,
		Acquire: a.svc.Acquire,
		Meter:   a.meter,
		Sink:    tuiSink{},
		Archive: rec,
	})

	if err := ctl.Start(context.Background()); err != nil {
		if errors.Is(err, capture.ErrNoAudioTrack) {
			err = fmt.Errorf("%w. %s", err, capture.NoAudioGuidance)
		}
		tuiSend(SessionErrorMsg{Err: err})
		if arch != nil {
			arch.Close()
		}
		return
	}

	a.mu.Lock()
	a.current = ctl
	a.mu.Unlock()

	go func() {
		<-ctl.Done()
		if arch != nil {
			if err := arch.Close(); err != nil {
				log.Warnf("archive close failed: %v", err)
			}
		}
	}()
}

func (a *app) copyAnswer() {
	a.mu.Lock()
	ctl := a.current
	a.mu.Unlock()
	if ctl == nil {
		return
	}

	text := ctl.Snapshot().LastAnswer()
	if text == "" {
		return
	}
	if err := clipboard.Copy(text); err != nil {
		log.Warnf("clipboard copy failed: %v", err)
		tuiSend(CopiedMsg{OK: false})
		return
	}
	tuiSend(CopiedMsg{OK: true})
}

func gracefulShutdown(a *app) {
	shutdownOnce.Do(func() {
		a.mu.Lock()
		ctl := a.current
		a.mu.Unlock()

		if ctl != nil && ctl.State() != session.StateClosed {
			ctl.Stop()
			select {
			case <-ctl.Done():
			case <-time.After(3 * time.Second):
				log.Warn("session teardown timed out")
			}
		}
		log.Close()

		tuiMu.Lock()
		p := tuiProgram
		tuiMu.Unlock()
		if p != nil {
			p.Quit()
		}
	})
}
