package limits

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard samples host CPU usage and exposes a cheap "are we
// overloaded" check. It has a single threshold and gates only the cheapest
// thing to shed, the unsolicited SSDP beacon; TCP accepts are not gated by
// it.
// It deliberately does not touch the dispatcher or the three tables — it
// only gates work that happens outside the single-threaded dispatch loop.
type ResourceGuard struct {
	logger zerolog.Logger

	beaconPauseThreshold float64

	currentCPU atomic.Uint64 // float64 bits, via math.Float64bits

	cancel context.CancelFunc
	done   chan struct{}
}

// NewResourceGuard starts a background CPU sampling loop at the given
// interval. beaconPauseThreshold is a percentage (0-100); once observed CPU
// exceeds it, ShouldPauseBeacon reports true until CPU drops back down.
func NewResourceGuard(beaconPauseThreshold float64, sampleInterval time.Duration, logger zerolog.Logger) *ResourceGuard {
	ctx, cancel := context.WithCancel(context.Background())
	g := &ResourceGuard{
		logger:               logger.With().Str("component", "resource_guard").Logger(),
		beaconPauseThreshold: beaconPauseThreshold,
		cancel:               cancel,
		done:                 make(chan struct{}),
	}
	go g.sampleLoop(ctx, sampleInterval)
	return g
}

func (g *ResourceGuard) sampleLoop(ctx context.Context, interval time.Duration) {
	defer close(g.done)
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(percents) == 0 {
				g.logger.Warn().Err(err).Msg("cpu sample failed, keeping previous reading")
				continue
			}
			g.storeCPU(percents[0])
		}
	}
}

func (g *ResourceGuard) storeCPU(pct float64) {
	g.currentCPU.Store(math.Float64bits(pct))
}

// CurrentCPUPercent returns the most recently sampled host CPU percentage.
func (g *ResourceGuard) CurrentCPUPercent() float64 {
	return math.Float64frombits(g.currentCPU.Load())
}

// ShouldPauseBeacon reports whether sampled CPU is over the configured
// threshold, meaning the discovery responder should stop sending
// unsolicited beacons (it should still answer direct M-SEARCH requests).
func (g *ResourceGuard) ShouldPauseBeacon() bool {
	return g.CurrentCPUPercent() >= g.beaconPauseThreshold
}

// Stop halts the sampling loop and waits for it to exit.
func (g *ResourceGuard) Stop() {
	g.cancel()
	<-g.done
}
