// Package limits provides the broker's accept-rate guard and CPU-based
// load shedding for the discovery beacon.
package limits

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter guards the broker's TCP accept loop against a
// connection flood. Two levels: per-source-IP and a system-wide bucket.
// Neither touches the broker's three tables, so it can reject a connection
// before the CLIENT_ID handshake even begins.
type ConnectionRateLimiter struct {
	ipMu       sync.Mutex
	ipLimiters map[string]*ipLimiterEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig configures NewConnectionRateLimiter. Zero
// values fall back to sane defaults.
type ConnectionRateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

// NewConnectionRateLimiter builds a limiter and starts its background
// per-IP cleanup loop. Call Stop when the broker shuts down.
func NewConnectionRateLimiter(cfg ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 2.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 50
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 200.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:  make(map[string]*ipLimiterEntry),
		ipBurst:     cfg.IPBurst,
		ipRate:      cfg.IPRate,
		ipTTL:       cfg.IPTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:      cfg.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a new accept from remoteAddr should proceed. It
// consumes one token from both the per-IP and the global bucket; either
// bucket being empty rejects the connection.
func (l *ConnectionRateLimiter) Allow(remoteAddr net.Addr) bool {
	if !l.global.Allow() {
		return false
	}
	host := hostOf(remoteAddr)

	l.ipMu.Lock()
	entry, ok := l.ipLimiters[host]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ipLimiters[host] = entry
	}
	entry.lastAccess = time.Now()
	allowed := entry.limiter.Allow()
	l.ipMu.Unlock()

	return allowed
}

// Stop halts the background cleanup goroutine. Safe to call more than
// once.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCleanup:
			return
		case now := <-ticker.C:
			l.ipMu.Lock()
			for ip, e := range l.ipLimiters {
				if now.Sub(e.lastAccess) > l.ipTTL {
					delete(l.ipLimiters, ip)
				}
			}
			l.ipMu.Unlock()
		}
	}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
