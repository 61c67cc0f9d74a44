// Command relayd is the rendezvous relay binary (spec §6 "CLI surface for
// the relay binary"). It parses the fixed flag set, takes the
// single-instance lock, starts the relay.Service, and exposes its
// prometheus registry over /metrics.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"deskrelay/config"
	"deskrelay/internal/identifier"
	"deskrelay/internal/relay"
	"deskrelay/utils"
)

const version = "deskrelay relay 0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	port := flag.Int("p", 21116, "listen port")
	bind := flag.String("b", "0.0.0.0", "bind address")
	override := flag.String("i", "", "override advertised IP")
	daemon := flag.Bool("d", false, "daemon mode: disables console color (the process does not detach and -l is optional)")
	logFile := flag.String("l", "", "log file path")
	noColor := flag.Bool("n", false, "disable colored console output")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	log := utils.NewLogger(*logFile, "info", *noColor || *daemon)
	defer log.Sync()

	lock, err := utils.Acquire(lockPath())
	if err != nil {
		log.Error("relay: failed to acquire single-instance lock", zap.Error(err))
		return 1
	}
	defer lock.Release()

	st, err := config.LoadState(statePath())
	if err != nil {
		log.Warn("relay: failed to load persisted state", zap.Error(err))
		st = &config.State{}
	}
	effectiveOverride := *override
	if effectiveOverride == "" {
		effectiveOverride = st.Relay.IP
	}
	if effectiveOverride != "" {
		log.Info("relay: advertising override IP", zap.String("override_ip", effectiveOverride))
	}

	rec := config.GlobalCfg
	log.Info("relay: configuration loaded",
		zap.Int("max_connections", rec.MaxConnections), zap.Uint32("frame_cap", rec.FrameCap),
		zap.Int("inactivity_ms", rec.InactivityMs), zap.Int("registered_timeout_ms", rec.RegisteredTimeoutMs))

	cfg := relay.Config{
		BindAddr:          net.JoinHostPort(*bind, strconv.Itoa(*port)),
		MaxConnections:    rec.MaxConnections,
		FrameCeiling:      rec.FrameCap,
		InactivityTimeout: time.Duration(rec.InactivityMs) * time.Millisecond,
		RegisteredGrace:   time.Duration(rec.RegisteredTimeoutMs) * time.Millisecond,
		ObfuscationKey:    identifier.DefaultKey,
		Logger:            log,
	}
	svc := relay.NewService(cfg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(svc.Metrics().Registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":9116", Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("relay: metrics server stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	saveState := func() {
		st.Relay.IP = effectiveOverride
		st.Relay.Port = uint16(*port)
		if err := st.Save(statePath()); err != nil {
			log.Warn("relay: failed to persist state", zap.Error(err))
		}
	}

	select {
	case sig := <-sigCh:
		log.Info("relay: received signal, shutting down", zap.String("signal", sig.String()))
		svc.Shutdown()
		metricsSrv.Close()
		saveState()
		return 0
	case err := <-errCh:
		saveState()
		if err != nil {
			log.Error("relay: serve failed", zap.Error(err))
			return 1
		}
		return 0
	}
}

// statePath places the persisted settings file (spec §6 "Persisted state")
// in the same well-known runtime directory as the single-instance lock.
func statePath() string {
	if dir := os.Getenv("DESKRELAY_RUNTIME_DIR"); dir != "" {
		return dir + "/relayd.state"
	}
	return os.TempDir() + "/deskrelay-relayd.state"
}

// lockPath places the single-instance lock file in a well-known runtime
// directory so two relayd invocations on the same host always collide,
// regardless of the working directory either was launched from.
func lockPath() string {
	if dir := os.Getenv("DESKRELAY_RUNTIME_DIR"); dir != "" {
		return dir + "/relayd.lock"
	}
	return os.TempDir() + "/deskrelay-relayd.lock"
}
