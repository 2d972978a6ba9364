// Command redistap passively observes RESP traffic on a monitored port and
// exposes per-request latency as Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/redistap/internal/connstats"
	"github.com/simeonmiteff/redistap/internal/frame"
	"github.com/simeonmiteff/redistap/internal/frame/live"
	"github.com/simeonmiteff/redistap/internal/frame/tlstap"
	"github.com/simeonmiteff/redistap/internal/observer"
	"github.com/simeonmiteff/redistap/internal/plugin/redis"
	"github.com/simeonmiteff/redistap/internal/postprocessor/promreg"
)

func main() {
	iface := flag.String("interface", "lo0", "network interface to capture on (live capture mode)")
	redisPort := flag.Uint("redis-port", 6379, "TCP port to monitor for RESP traffic")
	tlsMode := flag.Bool("tls-mode", false, "observe via the TLS-plaintext tap instead of live link-layer capture")
	listenAddr := flag.String("listen", "0.0.0.0:9090", "address to serve /metrics on")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	if err := run(*iface, uint16(*redisPort), *tlsMode, *listenAddr, entry); err != nil {
		log.WithError(err).Fatal("redistap exited")
	}
}

func run(iface string, redisPort uint16, tlsMode bool, listenAddr string, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()

	pp, err := promreg.New(reg)
	if err != nil {
		return fmt.Errorf("registering prometheus post-processor: %w", err)
	}

	connCollector := connstats.New(func(err error) {
		log.WithError(err).Debug("scrape connection diagnostics unavailable")
	})
	if err := reg.Register(connCollector); err != nil {
		return fmt.Errorf("registering scrape connection collector: %w", err)
	}

	var source frame.Source
	if tlsMode {
		if os.Getenv("OUT_DIR") == "" {
			return fmt.Errorf("OUT_DIR must be set when --tls-mode is enabled")
		}
		tapSource, err := tlstap.Open(ctx, log)
		if err != nil {
			return fmt.Errorf("opening TLS tap: %w", err)
		}
		defer tapSource.Close()
		source = tapSource
	} else {
		liveSource, err := live.Open(iface, log)
		if err != nil {
			return fmt.Errorf("opening live capture on %s: %w", iface, err)
		}
		defer liveSource.Close()
		source = liveSource
	}

	handler, err := redis.NewHandler(redisPort, log)
	if err != nil {
		return fmt.Errorf("constructing redis plugin: %w", err)
	}

	obs := observer.New(observer.DefaultConfig(), log)
	obs.AddPostProcessor(pp)
	obs.StartCleanup(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ConnState:    connCollector.ConnState,
	}

	go func() {
		<-ctx.Done()
		obs.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("telemetry server shutdown")
		}
	}()

	go func() {
		log.WithField("addr", listenAddr).Info("serving telemetry")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("telemetry server failed")
		}
	}()

	log.WithFields(logrus.Fields{
		"interface": iface,
		"redisPort": redisPort,
		"tlsMode":   tlsMode,
	}).Info("starting capture")

	if err := obs.CapturePackets(ctx, source, handler); err != nil {
		return fmt.Errorf("capture loop: %w", err)
	}

	return nil
}
