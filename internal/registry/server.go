// SPDX-License-Identifier: MPL-2.0

// Package registry implements the apex package registry HTTP service.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/apex-lang/apex/internal/registry/blob"
	"github.com/apex-lang/apex/internal/registry/store"
	"github.com/apex-lang/apex/pkg/registryapi"
)

// State is the lifecycle state of a Server.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

const (
	defaultCacheSize = 1024
	shutdownTimeout  = 10 * time.Second
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

type (
	// Options configures a Server.
	Options struct {
		Store  store.Store
		Blobs  blob.Store
		Secret []byte
		Logger *log.Logger
		// CacheSize bounds the package detail cache. Zero selects a default.
		CacheSize int
		// ManifestLimit and TarballLimit override the publish size caps.
		// Zero selects the protocol limits.
		ManifestLimit int64
		TarballLimit  int64
	}

	// Server is the registry service. A Server is single-use: once it has
	// been served and stopped, create a new one.
	Server struct {
		store store.Store
		blobs blob.Store
		auth  *Authenticator
		log   *log.Logger
		cache *detailCache
		feed  *feed
		now   func() time.Time

		manifestLimit int64
		tarballLimit  int64
		started       time.Time

		handler http.Handler
		state   atomic.Int32
		ready   chan struct{}
		addr    atomic.Value
	}
)

// New creates a registry server.
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Blobs == nil {
		return nil, errors.New("registry: store and blob store are required")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("registry: a token secret is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "registry", ReportTimestamp: true})
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := newDetailCache(size)
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:         opts.Store,
		blobs:         opts.Blobs,
		auth:          NewAuthenticator(opts.Secret),
		log:           logger,
		cache:         cache,
		feed:          newFeed(),
		now:           time.Now,
		manifestLimit: cmpOr(opts.ManifestLimit, registryapi.ManifestLimit),
		tarballLimit:  cmpOr(opts.TarballLimit, registryapi.TarballLimit),
		ready:         make(chan struct{}),
	}
	s.started = s.now().UTC()
	s.handler = s.withRecovery(s.withLogging(s.routes()))
	return s, nil
}

func cmpOr(v, def int64) int64 {
	if v > 0 {
		return v
	}
	return def
}

// Handler returns the HTTP handler serving the registry.
func (s *Server) Handler() http.Handler { return s.handler }

// State returns the lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// Addr returns the listening address once the server is running.
func (s *Server) Addr() string {
	if v, ok := s.addr.Load().(string); ok {
		return v
	}
	return ""
}

// WaitForReady blocks until the server accepts connections or ctx is done.
func (s *Server) WaitForReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for registry: %w", ctx.Err())
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. Cleartext HTTP/2 is accepted alongside HTTP/1.1.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		_ = ln.Close()
		return fmt.Errorf("cannot serve registry in state %s", s.State())
	}
	defer s.state.Store(int32(StateStopped))

	srv := &http.Server{
		Handler:           h2c.NewHandler(s.handler, &http2.Server{}),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv.RegisterOnShutdown(s.feed.close)
	s.addr.Store(ln.Addr().String())
	s.log.Info("listening", "addr", ln.Addr().String())
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.state.Store(int32(StateStopping))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.log.Info("stopped")
		return nil
	})
	return g.Wait()
}

// Close releases the catalog store.
func (s *Server) Close() error {
	return s.store.Close()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})

	mux.HandleFunc("POST /api/v1/register", s.api(s.handleRegister))
	mux.HandleFunc("POST /api/v1/login", s.api(s.handleLogin))
	mux.HandleFunc("GET /api/v1/me", s.api(s.handleMe))

	mux.HandleFunc("GET /api/v1/packages", s.api(s.handleList))
	mux.HandleFunc("POST /api/v1/packages/publish", s.api(s.handlePublish))
	mux.HandleFunc("GET /api/v1/package/{name}", s.api(s.handleDetail))
	mux.HandleFunc("GET /api/package/{name}", s.api(s.handleDetail))
	mux.HandleFunc("GET /api/v1/package/{name}/versions", s.api(s.handleVersions))
	mux.HandleFunc("GET /api/v1/package/{name}/{version}/download", s.api(s.handleDownload))
	mux.HandleFunc("POST /api/v1/package/{name}/{version}/yank", s.api(s.handleYank(true)))
	mux.HandleFunc("POST /api/v1/package/{name}/{version}/unyank", s.api(s.handleYank(false)))

	mux.HandleFunc("GET /api/v1/package/{name}/owners", s.api(s.handleOwners))
	mux.HandleFunc("POST /api/v1/package/{name}/owners", s.api(s.handleAddOwner))
	mux.HandleFunc("DELETE /api/v1/package/{name}/owners/{owner}", s.api(s.handleRemoveOwner))

	mux.HandleFunc("GET /api/v1/feed", s.handleFeed)

	mux.HandleFunc("GET /{$}", s.handleIndexView)
	mux.HandleFunc("GET /package/{name}", s.handlePackageView)

	mux.HandleFunc("/api/", s.api(func(http.ResponseWriter, *http.Request) error {
		return errorf(http.StatusNotFound, "no such endpoint")
	}))
	return mux
}
