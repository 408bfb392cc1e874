package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const defaultShutdownTimeout = 10 * time.Second

// Task is background work that lives as long as the server. It must return
// once ctx is done.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options tunes a Server. Zero values select defaults.
type Options struct {
	ShutdownTimeout time.Duration
	Tasks           []Task
}

// Server wraps an http.Server with graceful shutdown and owns the background
// tasks that serve it.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	tasks           []Task
}

// New creates a Server that listens on addr and routes to handler.
func New(addr string, handler http.Handler, opts Options) *Server {
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		shutdownTimeout: timeout,
		tasks:           opts.Tasks,
	}
}

// Run listens on the configured address; see Serve.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve starts the tasks and the server on ln and blocks until ctx is
// cancelled, then shuts the server down gracefully and waits for every task
// to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	taskCtx, stopTasks := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, task := range s.tasks {
		wg.Go(func() {
			if err := task.Run(taskCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("background task failed", "task", task.Name, "error", err)
			}
		})
	}
	defer func() {
		stopTasks()
		wg.Wait()
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
