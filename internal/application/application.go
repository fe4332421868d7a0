package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/eugenenazirov/openmic/internal/api"
	"github.com/eugenenazirov/openmic/internal/launch"
	"github.com/eugenenazirov/openmic/internal/storage"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	store    storage.Store
	handler  *api.Handler
	router   http.Handler
	logger   *zap.Logger
	server   *http.Server
	listener net.Listener
}

// New initializes the application from the resolved launch configuration.
// The configuration is read-only from here on; no ambient lookups happen
// after this point.
func New(cfg launch.Config, logger *zap.Logger) (*App, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	handler := api.NewHandler(store,
		api.WithHostPIN(cfg.HostPIN),
		api.WithCompressedStreaming(cfg.EnableCompressedStreaming),
	)
	apiRouter := api.NewRouter(handler, logger,
		api.WithPolicy(api.PolicyFromConfig(cfg)),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	rootHandler, err := BuildRootHandler(apiRouter)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	if cfg.HostPIN == "" {
		logger.Info("no host PIN configured; host controls are disabled")
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           rootHandler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return &App{
		store:   store,
		handler: handler,
		router:  apiRouter,
		logger:  logger,
		server:  server,
	}, nil
}

func openStore(cfg launch.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.DatabasePath == "" {
		logger.Info("using in-memory store; signups will not survive a restart")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.OpenSQLite(context.Background(), cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger.Info("using sqlite store", zap.String("path", cfg.DatabasePath))
	return store, nil
}

// BuildRootHandler constructs the root HTTP handler that serves the
// single-page assets and routes API requests.
func BuildRootHandler(apiHandler http.Handler) (http.Handler, error) {
	mux := http.NewServeMux()

	staticPath, err := resolveProjectPath(filepath.Join("web", "static"))
	if err != nil {
		return nil, err
	}
	staticDir := http.Dir(staticPath)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(staticDir)))
	mux.Handle("/api/", apiHandler)

	indexPath, err := resolveProjectPath(filepath.Join("web", "templates", "index.html"))
	if err != nil {
		return nil, err
	}
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, indexPath)
	}))

	return mux, nil
}

// Bind opens the listening socket on the resolved address. It is the single
// consumer of the resolved bind fields. An already-taken address is reported
// in the resolver's diagnostic format so the operator sees one consistent
// error shape at startup.
func (a *App) Bind() error {
	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return launch.NewError(launch.ErrKindAddressInUse, launch.FieldBindPort,
				"another process is already listening on the resolved address; stop it or configure a different port").
				WithValue(launch.SourceDefault, a.server.Addr)
		}
		return fmt.Errorf("bind %s: %w", a.server.Addr, err)
	}
	a.listener = listener
	return nil
}

// Addr returns the bound address; it differs from the configured address when
// port 0 was requested.
func (a *App) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// Start serves on the bound listener in a goroutine.
func (a *App) Start() error {
	if a.listener == nil {
		return errors.New("start called before bind")
	}
	go func() {
		a.logger.Info("server listening", zap.String("addr", a.Addr()))
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Close releases the store after the server has shut down.
func (a *App) Close() error {
	return a.store.Close()
}

// resolveProjectPath locates a file or directory relative to the project root
// by walking up the directory tree.
func resolveProjectPath(relative string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, relative)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("unable to locate %s", relative)
}
