// Command runsim drives the run engine against a simulated GPS walk,
// optionally uploading to a running API instance. Useful for exercising
// the whole pipeline without a device.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ShaelynLi/fitquest-sub000/internal/config"
	"github.com/ShaelynLi/fitquest-sub000/internal/engine"
	"github.com/ShaelynLi/fitquest-sub000/internal/location"
	"github.com/ShaelynLi/fitquest-sub000/internal/remote"

	"github.com/rs/zerolog"
)

func main() {
	var (
		serverURL = flag.String("server", "", "base URL of the run API; empty runs fully offline")
		runType   = flag.String("type", "run", "run type recorded on the session")
		lat       = flag.Float64("lat", -6.2000, "start latitude")
		lng       = flag.Float64("lng", 106.8167, "start longitude")
		bearing   = flag.Float64("bearing", 0, "bearing in degrees, clockwise from north")
		speed     = flag.Float64("speed", 2.8, "speed in meters per second")
		duration  = flag.Duration("duration", 30*time.Second, "how long to run before completing")
		pauseAt   = flag.Duration("pause-at", 0, "pause this far into the run (0 disables)")
		pauseFor  = flag.Duration("pause-for", 5*time.Second, "how long the pause lasts")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)

	cfg := config.Load()

	var store engine.SessionStore
	if *serverURL != "" {
		store = remote.NewClient(*serverURL, cfg.RemoteTimeout(), log)
	}

	sim := &location.Simulator{
		StartLat:   *lat,
		StartLng:   *lng,
		BearingDeg: *bearing,
		SpeedMps:   *speed,
		Log:        log,
	}

	eng := engine.New(engine.Options{
		Source:              sim,
		Store:               store,
		Gate:                location.StaticGate(true),
		Warmup:              location.WarmupProfile(cfg.WarmupProfileInterval(), cfg.WarmupMinDistanceM),
		Precision:           location.PrecisionProfile(cfg.PrecisionProfileInterval(), cfg.PrecisionMinDistanceM),
		EscalateSampleCount: cfg.EscalateSampleCount,
		EscalateAfter:       cfg.EscalateAfter(),
		FlushInterval:       cfg.FlushInterval(),
		FlushBatchCap:       cfg.FlushBatchCap,
		MetricsTick:         cfg.MetricsTick(),
		RemoteTimeout:       cfg.RemoteTimeout(),
		WeightKg:            cfg.RunnerWeightKg,
		CalorieBurnPerKgKm:  cfg.CalorieBurnPerKgKm,
		Log:                 log,
		OnMetrics:           printMetrics,
	})

	if err := eng.Start(context.Background(), *runType); err != nil {
		log.Fatal().Err(err).Msg("start failed")
	}

	remaining := *duration
	if *pauseAt > 0 && *pauseAt < *duration {
		time.Sleep(*pauseAt)
		if err := eng.Pause(); err != nil {
			log.Error().Err(err).Msg("pause failed")
		} else {
			log.Info().Dur("for", *pauseFor).Msg("paused")
			time.Sleep(*pauseFor)
			if err := eng.Resume(); err != nil {
				log.Error().Err(err).Msg("resume failed")
			}
		}
		remaining = *duration - *pauseAt
	}
	time.Sleep(remaining)

	if err := eng.Complete(); err != nil {
		log.Fatal().Err(err).Msg("complete failed")
	}

	snap := eng.Snapshot()
	fmt.Printf("run %s (%s) finished\n", snap.RunID, snap.RunType)
	if snap.RemoteID != "" {
		fmt.Printf("  remote session %s\n", snap.RemoteID)
	}
	fmt.Printf("  distance  %.1f m\n", snap.Metrics.DistanceM)
	fmt.Printf("  duration  %.1f s\n", snap.Metrics.DurationS)
	fmt.Printf("  avg pace  %.2f min/km\n", snap.Metrics.AveragePaceMinKm)
	fmt.Printf("  calories  %d kcal\n", snap.Metrics.Calories)
	fmt.Printf("  points    %d\n", len(snap.Route))
	if snap.LastError != "" {
		fmt.Printf("  last error: %s\n", snap.LastError)
	}
}

func printMetrics(s engine.Snapshot) {
	fmt.Printf("\r%-9s %7.1f m  %6.1f s  pace %5.2f  kcal %d   ",
		s.Status, s.Metrics.DistanceM, s.Metrics.DurationS, s.Metrics.CurrentPaceMinKm, s.Metrics.Calories)
}
