package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"segmentcore/internal/api"
	"segmentcore/internal/models"
	"segmentcore/pkg/config"
	"segmentcore/pkg/imageset"
	"segmentcore/pkg/logging"
	"segmentcore/pkg/segmentation"
	"segmentcore/pkg/store"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "segmentcore.yaml", "Path to the YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	dirs := flag.String("dir", "", "Comma separated image-set directories")
	segName := flag.String("segmentation", imageset.DefaultSegmentationName, "Segmentation mask file name inside each directory")
	workers := flag.Int("workers", 0, "Statistics and decode workers (default: config, then all cores)")
	storePath := flag.String("store", "", "Statistics store directory (default: config, empty keeps it in memory)")
	maxSets := flag.Int("max-sets", 0, "Image sets kept in memory (default: config)")
	recalculate := flag.Bool("recalculate", false, "Ignore stored statistics and compute them again")
	serve := flag.Bool("serve", false, "Serve the HTTP query surface after loading")
	addr := flag.String("addr", "", "HTTP listen address (default: config)")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags given explicitly override the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			cfg.Processing.NumWorkers = *workers
		case "store":
			cfg.Store.Path = *storePath
		case "max-sets":
			cfg.Cache.MaxImageSetsInMemory = *maxSets
		case "addr":
			cfg.Server.Addr = *addr
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	directories := splitList(*dirs)
	if len(directories) == 0 && !*serve {
		flag.Usage()
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{Level: cfg.Logging.Level, Console: cfg.Logging.Console})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, directories, *segName, *recalculate, *serve, log); err != nil {
		log.Error().Err(err).Msg("segmentcore failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, directories []string, segName string, recalculate, serve bool, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Options{Path: cfg.Store.Path, SyncWrites: cfg.Store.SyncWrites}, logging.Component(log, "store"))
	if err != nil {
		return err
	}
	defer st.Close()

	manager := imageset.NewManager(imageset.Options{
		Workers:          cfg.Processing.NumWorkers,
		MaxResident:      cfg.Cache.MaxImageSetsInMemory,
		SegmentationName: segName,
		Statistics:       cfg.Processing.Statistics,
		Recalculate:      recalculate,
		SegmentArea:      cfg.Processing.SegmentArea,
		Segmentation: segmentation.LoadOptions{
			Hull: segmentation.HullOptions{
				Concavity:         cfg.Hull.Concavity,
				LengthThreshold:   cfg.Hull.LengthThreshold,
				SimplifyTolerance: cfg.Hull.SimplifyTolerance,
			},
			UseCache: cfg.Cache.OptimizedSegmentation,
		},
	}, st, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("worker pools did not drain")
		}
	}()

	fmt.Println("================================")
	fmt.Println("SEGMENT INDEX AND STATISTICS")
	fmt.Println("================================")
	fmt.Printf("Workers: %d, image sets in memory: %d\n", cfg.Processing.NumWorkers, cfg.Cache.MaxImageSetsInMemory)

	ids := imageSetIDs(directories)
	for i, dir := range directories {
		if err := process(ctx, manager, ids[i], dir); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Error().Err(err).Str("dir", dir).Msg("failed to process image set")
			fmt.Printf("Skipping %s: %v\n", dir, err)
		}
	}

	if !serve {
		return nil
	}

	for i, dir := range directories {
		manager.Register(ids[i], dir)
	}
	srv := api.NewServer(cfg.Server.Addr, cfg.Server.Mode, manager, logging.Component(log, "api"))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// process activates one image set, waits for its statistics and prints a
// per-marker summary
func process(ctx context.Context, manager *imageset.Manager, id, dir string) error {
	fmt.Printf("\nLoading image set %s from %s\n", id, dir)

	start := time.Now()
	set, err := manager.Activate(ctx, id, dir)
	if err != nil {
		return err
	}
	source := "built"
	if set.FromCache {
		source = "optimized cache"
	}
	fmt.Printf("- %d segments (%s) in %.2f seconds\n", set.Segmentation.NumSegments(), source, time.Since(start).Seconds())
	if ids := set.Segmentation.SegmentIDs(); len(ids) > 0 {
		fmt.Printf("- segment ids %d..%d\n", ids[0], ids[len(ids)-1])
	}

	if err := set.Statistics.Wait(ctx); err != nil {
		return err
	}
	finished, expected := set.Statistics.Completed()
	fmt.Printf("- statistics ready: %d/%d jobs in %.2f seconds\n", finished, expected, time.Since(start).Seconds())
	for _, jobErr := range set.Statistics.Errors() {
		fmt.Printf("  warning: %v\n", jobErr)
	}

	for _, marker := range set.Statistics.Markers() {
		fmt.Printf("  %s:", marker)
		for _, kind := range models.AllStatistics {
			mm, err := set.Statistics.MinMax(marker, kind)
			if err != nil {
				continue
			}
			fmt.Printf(" %s [%.2f, %.2f]", kind, mm.Min, mm.Max)
		}
		fmt.Println()
	}
	if set.Statistics.Available(models.AreaFeature, models.Area) {
		if mm, err := set.Statistics.MinMax(models.AreaFeature, models.Area); err == nil {
			fmt.Printf("  segment area: [%.0f, %.0f] pixels\n", mm.Min, mm.Max)
		}
	}
	return nil
}

// imageSetIDs names each directory after its base name. Repeated base names
// get a numeric suffix so that every directory keeps its own id.
func imageSetIDs(dirs []string) []string {
	ids := make([]string, len(dirs))
	seen := make(map[string]int, len(dirs))
	for i, dir := range dirs {
		base := filepath.Base(filepath.Clean(dir))
		seen[base]++
		ids[i] = base
		if n := seen[base]; n > 1 {
			ids[i] = fmt.Sprintf("%s-%d", base, n)
		}
	}
	return ids
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
