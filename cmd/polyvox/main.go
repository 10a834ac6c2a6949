package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"

	"polyvox/internal/api"
	"polyvox/pkg/admission"
	"polyvox/pkg/audio"
	"polyvox/pkg/blob"
	"polyvox/pkg/config"
	"polyvox/pkg/db"
	"polyvox/pkg/db/maintenance"
	"polyvox/pkg/engine"
	"polyvox/pkg/logging"
	"polyvox/pkg/probe"
	"polyvox/pkg/segment"
	"polyvox/pkg/store"
	"polyvox/pkg/tts"
	"polyvox/pkg/tts/azure"
	"polyvox/pkg/tts/edgetts"
	"polyvox/pkg/tts/fishaudio"
	"polyvox/pkg/tts/gemini"
	"polyvox/pkg/version"
)

var (
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
	configPath = flag.String("config", "configs/polyvox.yaml", "Path to config file")
)

func main() {
	flag.Parse()

	// Handle --init-config flag
	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Config file generated:", *configPath)
		return
	}

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Secrets may live in a local .env during development.
	_ = godotenv.Load()

	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&appCfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("Polyvox Started", "version", version.Version)

	dbConn, err := db.Init(appCfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbConn.Close()
	st := store.NewSQLiteStore(dbConn)

	if err := maintenance.Run(ctx, dbConn); err != nil {
		slog.Error("Maintenance tasks failed", "error", err)
	}

	blobs, err := initBlobStore(ctx, appCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	providers, err := initProviders(ctx, appCfg)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		return fmt.Errorf("no synthesis backends enabled, check the tts section of %s", configPath)
	}
	for name := range providers {
		slog.Info("Backend enabled", "backend", name)
	}

	// Startup Probes
	probes := []probe.Probe{
		{
			Name:     "Artifact Store",
			Check:    blobProbe(blobs),
			Critical: true,
		},
	}
	results := probe.Run(ctx, probes)
	if err := probe.AnalyzeResults(results); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}

	eng := engine.New(
		engine.Config{
			MaxRetry:       appCfg.Engine.MaxRetry,
			PollInterval:   time.Duration(appCfg.Engine.PollInterval),
			JobTimeout:     time.Duration(appCfg.Engine.JobTimeout),
			ReaperInterval: time.Duration(appCfg.Engine.ReaperInterval),
			RetryBaseDelay: time.Duration(appCfg.Engine.RetryBaseDelay),
			RatePerBackend: appCfg.Engine.RatePerBackend,
			Audio: audio.Config{
				SampleRate: appCfg.Audio.SampleRate,
				GapMs:      appCfg.Audio.GapMs,
				FadeMs:     appCfg.Audio.FadeMs,
				TargetPeak: appCfg.Audio.TargetPeak,
			},
			Segment: segment.Config{MaxChars: appCfg.Segment.MaxChars},
		},
		st,
		providers,
		tts.NewRegistry(),
		admission.NewController(admission.Config{
			MaxGlobal:      appCfg.Admission.MaxGlobal,
			MaxPerBackend:  appCfg.Admission.MaxPerBackend,
			MaxQueueDepth:  appCfg.Admission.MaxQueueDepth,
			AcquireTimeout: time.Duration(appCfg.Admission.AcquireTimeout),
		}),
		admission.NewBreaker(admission.BreakerConfig{
			FailureThreshold: appCfg.Breaker.FailureThreshold,
			RecoveryTimeout:  time.Duration(appCfg.Breaker.RecoveryTimeout),
			HalfOpenProbes:   appCfg.Breaker.HalfOpenProbes,
		}),
		blobs,
	)

	// Workers and the stale-job reaper run for the life of the process.
	var wg sync.WaitGroup
	for i := 0; i < appCfg.Engine.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.RunReaper(ctx)
	}()
	slog.Info("Engine started", "workers", appCfg.Engine.Workers)

	srv := api.NewServer(appCfg.Server.Address, api.NewJobHandler(eng), api.NewCapabilityHandler(eng), cancel)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	err = runServerLifecycle(ctx, srv, quit)

	cancel()
	wg.Wait()
	return err
}

// blobProbe verifies the artifact store accepts writes before any job
// depends on it.
func blobProbe(blobs blob.Store) probe.CheckFunc {
	return func(ctx context.Context) error {
		key := "probe/startup-check"
		if _, err := blobs.Put(ctx, key, []byte("ok"), "text/plain"); err != nil {
			return err
		}
		return blobs.Delete(ctx, key)
	}
}

func initBlobStore(ctx context.Context, appCfg *config.Config) (blob.Store, error) {
	switch appCfg.Blob.Backend {
	case "", "file":
		dir := appCfg.Blob.Dir
		if dir == "" {
			dir = "data/artifacts"
		}
		return blob.NewFileStore(dir)
	case "s3":
		s3Cfg := appCfg.Blob.S3
		if s3Cfg.Bucket == "" {
			return nil, fmt.Errorf("blob backend s3 requires a bucket")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s3Cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if s3Cfg.Endpoint != "" {
				o.BaseEndpoint = &s3Cfg.Endpoint
				o.UsePathStyle = true
			}
		})
		return blob.NewS3Store(client, s3Cfg.Bucket, s3Cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", appCfg.Blob.Backend)
	}
}

func initProviders(ctx context.Context, appCfg *config.Config) (map[string]tts.Provider, error) {
	registry := tts.NewRegistry()
	providers := make(map[string]tts.Provider)

	if c := appCfg.TTS.AzureSpeech; c.Enabled {
		cap, _ := registry.Get("azure-speech")
		p := azure.NewProvider(c, cap)
		providers[p.Name()] = p
	}

	if c := appCfg.TTS.Gemini; c.Enabled {
		cap, _ := registry.Get("gemini-tts")
		p, err := gemini.NewProvider(ctx, c, cap)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini-tts: %w", err)
		}
		providers[p.Name()] = p
	}

	if c := appCfg.TTS.EdgeTTS; c.Enabled {
		p := edgetts.NewProvider(c)
		providers[p.Name()] = p
	}

	if c := appCfg.TTS.FishAudio; c.Enabled {
		p := fishaudio.NewProvider(c)
		providers[p.Name()] = p
	}

	return providers, nil
}

func runServerLifecycle(ctx context.Context, srv *http.Server, quit chan os.Signal) error {
	slog.Info("Starting server", "addr", srv.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	select {
	case <-quit:
		slog.Info("Shutting down server...")
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
