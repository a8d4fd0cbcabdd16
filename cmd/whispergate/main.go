package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/tiroq/whispergate/internal/asr"
	"github.com/tiroq/whispergate/internal/config"
	"github.com/tiroq/whispergate/internal/diaglog"
	"github.com/tiroq/whispergate/internal/httpapi"
	"github.com/tiroq/whispergate/internal/media"
	"github.com/tiroq/whispergate/internal/mediastore"
	"github.com/tiroq/whispergate/internal/pipeline"
)

const (
	logPrefix     = "[whispergate]"
	shutdownGrace = 30 * time.Second
)

var (
	// Version is set at build time via -ldflags "-X main.Version=..."
	Version = "dev"

	outLog *log.Logger
	errLog *log.Logger
)

func main() {
	// --export-diag [request-id]: read log, write bundle, exit.
	if len(os.Args) > 1 && os.Args[1] == "--export-diag" {
		var opts diaglog.ExportOptions
		if len(os.Args) > 2 {
			opts.RequestID = os.Args[2]
		}
		os.Exit(exportDiag(opts))
	}
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("whispergate %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	configPath := flag.String("config", config.DefaultPath(), "path to gateway.json")
	logDir := flag.String("log-dir", "", "write whispergate.out.log/whispergate.err.log here instead of stderr")
	flag.Parse()

	os.Exit(run(*configPath, *logDir))
}

func exportDiag(opts diaglog.ExportOptions) int {
	diaglog.Version = Version
	path, n, err := diaglog.ExportWith(diaglog.DefaultPath(), ".", opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "hint: run with WHISPERGATE_DEBUG=true to enable logging")
			return 1
		}
		return 2
	}
	fmt.Printf("Wrote: %s (%d lines)\n", path, n)
	return 0
}

func run(configPath, logDir string) (code int) {
	// Recover from any panics and log them
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in whispergate: %v\n", r)
			if errLog != nil {
				errLog.Printf("PANIC: %v", r)
			}
			code = 1
		}
	}()

	if err := initLogging(logDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		return 1
	}

	outLog.Println("===========================================")
	outLog.Println("Starting whispergate v" + Version + "...")
	outLog.Printf("PID: %d", os.Getpid())
	outLog.Printf("Timestamp: %s", time.Now().Format(time.RFC3339))
	outLog.Println("===========================================")

	for _, p := range config.LoadDefaultEnv() {
		outLog.Printf("[STARTUP] Loaded environment from %s", p)
	}

	outLog.Printf("[STARTUP] Loading configuration from %s...", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		errLog.Printf("Failed to load config: %v", err)
		return 1
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		errLog.Printf("Invalid configuration: %v", err)
		return 1
	}
	outLog.Printf("[STARTUP] Loaded config: backend=%s listen=%s media_root=%s max_upload_mb=%d",
		cfg.Backend, cfg.ListenAddr, cfg.MediaRoot, cfg.MaxUploadMB)

	diaglog.Version = Version
	diagPath := diaglog.DefaultPath()
	diagLogger, diagErr := diaglog.New(diagPath)
	if diagErr != nil {
		errLog.Printf("[STARTUP] WARNING: could not open diagnostic log at %s: %v (continuing)", diagPath, diagErr)
		diagLogger = diaglog.NewNoOp()
	}
	defer func() { _ = diagLogger.Close() }()
	if diaglog.IsDebugEnabled() {
		outLog.Printf("[STARTUP] Diagnostic log: %s", diagPath)
	}

	// Media store: one gateway per root, then clear anything a crash left.
	lock, err := mediastore.Lock(cfg.MediaRoot)
	if err != nil {
		errLog.Printf("Failed to lock media root: %v", err)
		errLog.Println("Another instance of whispergate may already be using this media_root.")
		return 1
	}
	defer func() {
		outLog.Println("[SHUTDOWN] Releasing media root lock...")
		if err := lock.Unlock(); err != nil {
			errLog.Printf("Warning: failed to release lock: %v", err)
		}
	}()
	store, err := mediastore.New(cfg.MediaRoot)
	if err != nil {
		errLog.Printf("Failed to open media store: %v", err)
		return 1
	}
	if n, err := store.SweepStale(); err != nil {
		errLog.Printf("[STARTUP] Stale directory sweep failed: %v", err)
	} else if n > 0 {
		outLog.Printf("[STARTUP] Removed %d stale request directories", n)
		diagLogger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentMediaStore,
			Event:     diaglog.EventStaleDirsRemoved,
			Payload:   map[string]interface{}{"count": n, "root": cfg.MediaRoot},
		})
	}

	// Transcription backend: built once, loaded once.
	backend, err := newRegistry(cfg, diagLogger).Build(cfg.Backend)
	if err != nil {
		errLog.Printf("Failed to create backend: %v", err)
		return 1
	}
	if closer, ok := backend.(io.Closer); ok {
		defer func() {
			outLog.Printf("[SHUTDOWN] Stopping %s...", backend.Name())
			if err := closer.Close(); err != nil {
				errLog.Printf("Warning: failed to stop backend: %v", err)
			}
		}()
	}
	if starter, ok := backend.(asr.Starter); ok {
		outLog.Printf("[STARTUP] Starting %s (model=%s)...", backend.Name(), backend.Model())
		if err := starter.Start(context.Background()); err != nil {
			errLog.Printf("Failed to start backend %s: %v", backend.Name(), err)
			return 1
		}
	}
	checkBackendHealth(backend, diagLogger)

	normalizer := media.NewNormalizer(media.Config{
		FFmpegPath:   cfg.FFmpegPath,
		FFprobePath:  cfg.FFprobePath,
		Profile:      backend.Profile(),
		VerifyOutput: cfg.VerifyOutput,
	})
	normalizer.OnLog = func(cl media.CommandLog) {
		diagLogger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentNormalizer,
			Event:     diaglog.EventTranscodeRun,
			Payload: map[string]interface{}{
				"command":   cl.Command,
				"args":      cl.Args,
				"exit_code": cl.ExitCode,
			},
		})
	}
	outLog.Printf("[STARTUP] Audio profile: %s (mono, %d Hz)", normalizer.Profile().Name, media.SampleRate)

	orch := pipeline.New(store, normalizer, backend, cfg.Options.ASR())
	orch.SetLogger(diagLogger)

	srv := httpapi.New(httpapi.Config{
		ServiceName:      cfg.ServiceName,
		AcceptVideoField: cfg.AcceptVideoField,
		MaxUploadMB:      cfg.MaxUploadMB,
	}, orch, outLog, errLog)
	srv.SetLogger(diagLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := config.NewWatcher(configPath, cfg, orch.SetOptions)
	watcher.OutLog = outLog
	watcher.ErrLog = errLog
	watcher.SetLogger(diagLogger)
	go watcher.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	outLog.Println("[STARTUP] Signal handlers registered (SIGINT, SIGTERM)")
	outLog.Println("Available endpoints:")
	outLog.Println("  GET  /health     - Health check")
	outLog.Println("  POST /transcribe - Audio transcription")
	outLog.Println("  GET  /models     - List available models")
	outLog.Println("===========================================")
	outLog.Printf("[RUNNING] whispergate listening on %s", cfg.ListenAddr)

	select {
	case err := <-serveErr:
		errLog.Printf("HTTP server failed: %v", err)
		code = 1
	case sig := <-sigChan:
		outLog.Println("===========================================")
		outLog.Printf("[SHUTDOWN] Received %s at %s", sig, time.Now().Format(time.RFC3339))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	outLog.Printf("[SHUTDOWN] Draining in-flight requests (up to %s)...", shutdownGrace)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errLog.Printf("Graceful shutdown failed: %v", err)
		code = 1
	}
	outLog.Println("[SHUTDOWN] Shutting down gracefully")
	return code
}

// checkBackendHealth logs the backend's health once at startup. An
// unhealthy backend is reported but does not stop the gateway.
func checkBackendHealth(b asr.Backend, diagLogger *diaglog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hs, err := b.HealthCheck(ctx)
	payload := map[string]interface{}{"backend": b.Name()}
	switch {
	case err != nil:
		errLog.Printf("[STARTUP] Backend health check error (backend=%s): %v", b.Name(), err)
		payload["ok"] = false
		payload["error"] = err.Error()
	case !hs.OK:
		errLog.Printf("[STARTUP] WARNING: backend %s unhealthy: %s", b.Name(), hs.Message)
		payload["ok"] = false
		payload["message"] = hs.Message
	default:
		outLog.Printf("[STARTUP] Backend %s healthy (latency=%s)", b.Name(), hs.Latency)
		payload["ok"] = true
		payload["latency"] = hs.Latency.String()
	}
	diagLogger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentGateway,
		Event:     diaglog.EventBackendHealth,
		Payload:   payload,
	})
}

// initLogging writes to stderr, or to rotated files under logDir.
func initLogging(logDir string) error {
	if logDir == "" {
		outLog = log.New(os.Stderr, logPrefix+" ", log.LstdFlags)
		errLog = log.New(os.Stderr, logPrefix+" ERROR: ", log.LstdFlags)
		return nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	outLogPath := filepath.Join(logDir, "whispergate.out.log")
	errLogPath := filepath.Join(logDir, "whispergate.err.log")

	if err := rotateLogIfNeeded(outLogPath, 10*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate out log: %v\n", err)
	}
	if err := rotateLogIfNeeded(errLogPath, 10*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate err log: %v\n", err)
	}

	outFile, err := os.OpenFile(outLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	errFile, err := os.OpenFile(errLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	outLog = log.New(outFile, logPrefix+" ", log.LstdFlags)
	errLog = log.New(errFile, logPrefix+" ERROR: ", log.LstdFlags)
	return nil
}

// rotateLogIfNeeded rotates a log file if it exceeds maxSize bytes
func rotateLogIfNeeded(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < maxSize {
		return nil
	}

	// Rotate: rename current log to .old, removing previous .old
	oldPath := logPath + ".old"
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old log: %w", err)
	}
	return os.Rename(logPath, oldPath)
}
