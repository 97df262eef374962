// Command syncscribed runs the SyncScribe broker (spec.md §4.4/C4): the
// TCP/UDP transport, the event/client/channel tables, and the optional
// SSDP discovery responder, all in one process.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/syncscribe/internal/broker"
	"github.com/adred-codev/syncscribe/internal/config"
	"github.com/adred-codev/syncscribe/internal/discovery"
	"github.com/adred-codev/syncscribe/internal/limits"
	"github.com/adred-codev/syncscribe/internal/logging"
	"github.com/adred-codev/syncscribe/internal/metrics"
	"github.com/adred-codev/syncscribe/internal/xcrypto"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides SYNCS_LOG_LEVEL)")
	flag.Parse()

	bootLogger := log.New(os.Stdout, "[syncscribed] ", log.LstdFlags)

	// automaxprocs rounds GOMAXPROCS down to the container's CPU limit;
	// the dispatcher is single-threaded anyway, but the transport and
	// discovery goroutines benefit from the right core count.
	bootLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.LoadBrokerConfig(nil)
	if err != nil {
		bootLogger.Fatalf("load config: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := logging.New(logging.Config{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "syncscribe-broker",
	})
	cfg.LogConfig(logger)

	reg := metrics.New()

	var sealer *xcrypto.Codec
	if cfg.CryptEnabled {
		keyBytes, err := hex.DecodeString(cfg.CryptKeyHex)
		if err != nil || len(keyBytes) != xcrypto.KeySize {
			logger.Fatal().Err(err).Int("got_bytes", len(keyBytes)).Msg("SYNCS_CRYPT_KEY_HEX must decode to 32 bytes")
		}
		var bundle [xcrypto.KeySize]byte
		copy(bundle[:], keyBytes)
		sealer, err = xcrypto.New(bundle)
		if err != nil {
			logger.Fatal().Err(err).Msg("build crypto codec")
		}
		logger.Info().Msg("crypto envelope enabled")
	}

	rateLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     cfg.AcceptBurst,
		IPRate:      cfg.AcceptRatePerSec,
		GlobalBurst: cfg.AcceptBurst * 4,
		GlobalRate:  cfg.AcceptRatePerSec * 4,
		Logger:      logger,
	})
	defer rateLimiter.Stop()

	brokerCfg := broker.Config{
		TCPAddr:           cfg.TCPAddr,
		UDPAddr:           cfg.UDPAddr,
		MaxEvents:         cfg.MaxEvents,
		MaxClients:        cfg.MaxClients,
		MaxChannels:       cfg.MaxChannels,
		MaxSubscribers:    cfg.MaxSubscribers,
		EnumRecordsPerPkt: cfg.EnumRecordsPerPkt,
		SyncOffset:        time.Duration(cfg.SyncOffsetMs) * time.Millisecond,
		RateLimiter:       rateLimiter,
		Metrics:           reg,
		Logger:            logger,
	}
	if sealer != nil {
		brokerCfg.Sealer = sealer
		brokerCfg.Opener = sealer
	}

	srv := broker.New(brokerCfg)

	var guard *limits.ResourceGuard
	var responder *discovery.Responder
	if cfg.DiscoveryEnabled {
		guard = limits.NewResourceGuard(cfg.CPUBeaconPauseThresh, 2*time.Second, logger)
		defer guard.Stop()

		location := advertiseLocation(cfg.TCPAddr)
		responder, err = discovery.NewResponder(discovery.ResponderConfig{
			Addr:           cfg.SSDPAddr,
			ServiceName:    cfg.ServiceName,
			USN:            cfg.BrokerUSN,
			Location:       location,
			Beacon:         cfg.DiscoveryBeacon,
			BeaconInterval: time.Duration(cfg.BeaconIntervalMs) * time.Millisecond,
			Guard:          guard,
			Logger:         logger,
		})
		if err != nil {
			logger.Error().Err(err).Msg("discovery responder failed to start, continuing without it")
		} else {
			defer responder.Stop()
			logger.Info().Str("location", location).Msg("discovery responder listening")
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", reg.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go statsLoop(ctx, srv, reg)

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error().Err(err).Msg("broker exited with error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	logger.Info().Msg("syncscribed shut down")
}

// advertiseLocation turns the broker's listen address into one clients can
// actually dial: an empty host ("", "0.0.0.0") isn't reachable, so it is
// rewritten to the first non-loopback interface address.
func advertiseLocation(tcpAddr string) string {
	host, port, err := net.SplitHostPort(tcpAddr)
	if err != nil {
		return tcpAddr
	}
	if host != "" && host != "0.0.0.0" && host != "::" {
		return tcpAddr
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return tcpAddr
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		return net.JoinHostPort(ipNet.IP.String(), port)
	}
	return tcpAddr
}

// statsLoop periodically syncs broker table occupancy into the Prometheus
// gauges; the broker itself updates its counters and the event, channel
// and update-counter gauges inline on the dispatcher (spec.md §5: tables
// are read only from that goroutine), but nothing there sets the client
// gauges, so a snapshot poll keeps every gauge current without adding
// traffic to the dispatch path.
func statsLoop(ctx context.Context, srv *broker.Server, reg *metrics.Registry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := srv.Stats()
			reg.ClientsActive.Set(float64(st.Clients))
			reg.ClientsMax.Set(float64(st.ClientsMax))
			reg.EventsDefined.Set(float64(st.Events))
			reg.ChannelsActive.Set(float64(st.Channels))
			reg.UpdateCounter.Set(float64(st.UpdateCounter))
		}
	}
}
