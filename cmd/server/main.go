package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/openmic/internal/application"
	"github.com/eugenenazirov/openmic/internal/launch"
	"github.com/eugenenazirov/openmic/internal/logging"
)

var signalNotify = signal.Notify

func main() {
	os.Exit(run(os.Args[1:]))
}

// run resolves the launch configuration, binds the socket, and serves until a
// shutdown signal. Exit codes: 0 graceful shutdown, 1 configuration error,
// 2 resolved port already in use at bind time.
func run(args []string) int {
	kingpinApp := kingpin.New("openmic", "Karaoke signup board - serves the signup page and queue API behind a managed reverse proxy")

	var (
		bindAddressSet, bindPortSet, logLevelSet, databasePathSet, hostPINSet bool
		trustSet, allowCrossSet, originSet, forgerySet, compressSet           bool
	)

	configFile := kingpinApp.Flag("config", "Path to YAML configuration file").String()
	bindAddress := kingpinApp.Flag("bind-address", "IP address to bind").IsSetByUser(&bindAddressSet).String()
	bindPort := kingpinApp.Flag("bind-port", "TCP port to bind (the platform-assigned PORT is authoritative)").IsSetByUser(&bindPortSet).Int()
	logLevel := kingpinApp.Flag("log-level", "Log level: error, warn, info or debug").IsSetByUser(&logLevelSet).String()
	databasePath := kingpinApp.Flag("database-path", "SQLite database path (empty for in-memory)").IsSetByUser(&databasePathSet).String()
	hostPIN := kingpinApp.Flag("host-pin", "PIN for host-only queue controls").IsSetByUser(&hostPINSet).String()

	trustForwarded := kingpinApp.Flag("trust-forwarded-headers", "Trust X-Forwarded-* headers from the fronting proxy").IsSetByUser(&trustSet).Bool()
	allowCrossOrigin := kingpinApp.Flag("allow-cross-origin", "Emit permissive cross-origin response headers").IsSetByUser(&allowCrossSet).Bool()
	enforceOrigin := kingpinApp.Flag("enforce-origin-check", "Reject state-changing requests from foreign origins").IsSetByUser(&originSet).Bool()
	enforceForgery := kingpinApp.Flag("enforce-request-forgery-check", "Require the double-submit token on state-changing requests").IsSetByUser(&forgerySet).Bool()
	compressStream := kingpinApp.Flag("enable-compressed-streaming", "Gzip the queue event stream").IsSetByUser(&compressSet).Bool()

	if _, err := kingpinApp.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	overrides := &launch.Overrides{ConfigFile: *configFile}
	if bindAddressSet {
		overrides.BindAddress = bindAddress
	}
	if bindPortSet {
		overrides.BindPort = bindPort
	}
	if logLevelSet {
		overrides.LogLevel = logLevel
	}
	if databasePathSet {
		overrides.DatabasePath = databasePath
	}
	if hostPINSet {
		overrides.HostPIN = hostPIN
	}
	if trustSet {
		overrides.TrustForwardedHeaders = trustForwarded
	}
	if allowCrossSet {
		overrides.AllowCrossOrigin = allowCrossOrigin
	}
	if originSet {
		overrides.EnforceOriginCheck = enforceOrigin
	}
	if forgerySet {
		overrides.EnforceRequestForgeryCheck = enforceForgery
	}
	if compressSet {
		overrides.EnableCompressedStreaming = compressStream
	}

	result, err := launch.Resolve(overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg := result.Config

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	result.Log(logger)

	app, err := application.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", zap.Error(err))
		return 1
	}
	defer func() {
		_ = app.Close()
	}()

	if err := app.Bind(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var configErr *launch.ConfigError
		if errors.As(err, &configErr) && configErr.Kind == launch.ErrKindAddressInUse {
			return 2
		}
		return 1
	}

	if err := app.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		return 1
	}

	shutdown(app.Server(), cfg.ShutdownGracePeriod, logger)
	return 0
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
