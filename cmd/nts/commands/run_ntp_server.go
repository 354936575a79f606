package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thekuwayama/cfnts/internal/config"
	"github.com/thekuwayama/cfnts/internal/log"
	"github.com/thekuwayama/cfnts/internal/metrics"
	"github.com/thekuwayama/cfnts/net/ntp"
	"github.com/thekuwayama/cfnts/net/ntpserver"
	"github.com/thekuwayama/cfnts/net/rotation"
)

var runNTPServerCmd = &cobra.Command{
	Use:   "run-ntp-server <config>",
	Short: "Run the NTP/NTS UDP responder",
	Args:  cobra.ExactArgs(1),
	RunE:  runNTPServer,
}

// stratum1State is the fixed identity this responder advertises: a
// stratum-1-shaped server with no real reference clock behind it,
// matching what a reference NTS test server typically exposes.
var stratum1State = ntpserver.State{
	Leap:      ntp.NoLeap,
	Stratum:   1,
	Poll:      6,
	Precision: -20,
}

func runNTPServer(cmd *cobra.Command, args []string) error {
	logger, err := log.New(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadNTP(args[0])
	if err != nil {
		return err
	}

	masterKey, err := config.ReadCookieKey(cfg.CookieKeyFile)
	if err != nil {
		return err
	}

	km := metrics.New(nil)
	var cache rotation.Cache
	if cfg.MemcacheURL != "" {
		cache = rotation.NewMemcache(strings.Split(cfg.MemcacheURL, ",")...)
	}
	engine := rotation.New(rotation.Config{
		MasterKey:       masterKey,
		Cache:           cache,
		Metrics:         km,
		Duration:        cfg.Rotation.Duration,
		ForwardPeriods:  cfg.Rotation.ForwardPeriods,
		BackwardPeriods: cfg.Rotation.BackwardPeriods,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.StartAt(ctx, rotationRetryBackoff); err != nil {
		return fmt.Errorf("ntp: initial key rotation: %w", err)
	}
	engine.StartPeriodicRotation(ctx)

	if cfg.MetricsBind != "" {
		go serveMetrics(logger, cfg.MetricsBind)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("ntp: resolving %s: %w", cfg.Bind, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("ntp: listening on %s: %w", cfg.Bind, err)
	}
	logger.Info("ntp: listening", zap.String("addr", cfg.Bind))

	responder := &ntpserver.Responder{
		Log:      logger,
		Rotation: engine,
		State:    stratum1State,
		Metrics:  ntpserver.NewMetrics(nil),
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	err = responder.ListenAndServe(ctx, conn, workers)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ntp: serving: %w", err)
	}
	return nil
}
