package commands

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thekuwayama/cfnts/internal/config"
	"github.com/thekuwayama/cfnts/internal/log"
	"github.com/thekuwayama/cfnts/internal/metrics"
	"github.com/thekuwayama/cfnts/net/ntske"
	"github.com/thekuwayama/cfnts/net/rotation"
)

// rotationRetryBackoff is how long to wait between retries of the
// initial key rotation at process start, across every subcommand that
// runs an Engine.
const rotationRetryBackoff = 5 * time.Second

var runNTSKEServerCmd = &cobra.Command{
	Use:   "run-nts-ke-server <config>",
	Short: "Run the NTS-KE server",
	Args:  cobra.ExactArgs(1),
	RunE:  runNTSKEServer,
}

func runNTSKEServer(cmd *cobra.Command, args []string) error {
	logger, err := log.New(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadNTSKE(args[0])
	if err != nil {
		return err
	}

	masterKey, err := config.ReadCookieKey(cfg.CookieKeyFile)
	if err != nil {
		return err
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("nts-ke: loading TLS certificate: %w", err)
	}

	m := metrics.New(nil)

	var cache rotation.Cache
	if cfg.MemcacheURL != "" {
		cache = rotation.NewMemcache(strings.Split(cfg.MemcacheURL, ",")...)
	}
	engine := rotation.New(rotation.Config{
		MasterKey:       masterKey,
		Cache:           cache,
		Metrics:         m,
		Duration:        cfg.Rotation.Duration,
		ForwardPeriods:  cfg.Rotation.ForwardPeriods,
		BackwardPeriods: cfg.Rotation.BackwardPeriods,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.StartAt(ctx, rotationRetryBackoff); err != nil {
		return fmt.Errorf("nts-ke: initial key rotation: %w", err)
	}
	engine.StartPeriodicRotation(ctx)

	if cfg.MetricsBind != "" {
		go serveMetrics(logger, cfg.MetricsBind)
	}

	listener, err := tls.Listen("tcp", cfg.Bind, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ntske.ALPN},
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		return fmt.Errorf("nts-ke: listening on %s: %w", cfg.Bind, err)
	}
	logger.Info("nts-ke: listening", zap.String("addr", cfg.Bind))

	srv := &ntske.Server{
		Log:        logger,
		Rotation:   engine,
		Metrics:    m,
		NumCookies: cfg.NumCookies,
		NextPort:   cfg.NextPort,
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("nts-ke: accept: %w", err)
			}
		}
		go func(conn net.Conn) {
			defer conn.Close()
			tlsConn, ok := conn.(*tls.Conn)
			if !ok {
				return
			}
			if err := srv.HandleConnection(tlsConn); err != nil {
				logger.Warn("nts-ke: session failed", zap.Error(err))
			}
		}(conn)
	}
}

func serveMetrics(logger *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
