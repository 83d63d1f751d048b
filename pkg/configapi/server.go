// Package configapi serves a small HTTP API for reading and replacing the
// proxy's backend configuration file.
package configapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
)

const maxBodyBytes = 1 << 20

// Options configure a Server.
type Options struct {
	// Addr is the listen address for ListenAndServe. Defaults to "127.0.0.1:0".
	Addr string
	// AllowedOrigins feeds the CORS policy. Defaults to every origin.
	AllowedOrigins []string
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
	// OnUpdate runs after a configuration was written successfully.
	OnUpdate func()
	Logger   *zap.Logger
	// ShutdownTimeout bounds graceful shutdown when the context ends.
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = "127.0.0.1:0"
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	return o
}

// Server exposes GET and POST /api/config for the file at path.
type Server struct {
	path    string
	opts    Options
	logger  *zap.Logger
	handler http.Handler

	writeMu sync.Mutex
}

// New builds a Server for the configuration file at path.
func New(path string, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		path:   path,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "configapi"), zap.String("path", path)),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", s.handleGet)
	mux.HandleFunc("POST /api/config", s.handleSave)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)
	return s
}

// Handler returns the CORS-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("configapi: listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("config api listening", zap.String("addr", "http://"+ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		writeJSON(w, http.StatusOK, map[string]any{"mcpServers": map[string]any{}})
		return
	}
	if err != nil {
		s.logger.Error("read config", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var doc any
	if config.FormatOf(s.path) == config.FormatYAML {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		s.logger.Error("decode config", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if doc == nil {
		doc = map[string]any{"mcpServers": map[string]any{}}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be a JSON object: %w", err))
		return
	}
	if _, err := config.Parse(body, config.FormatJSON); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.write(doc); err != nil {
		s.logger.Error("write config", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("config updated")
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Configuration saved"})
}

// write replaces the file atomically, keeping its encoding.
func (s *Server) write(doc map[string]any) error {
	var data []byte
	if config.FormatOf(s.path) == config.FormatYAML {
		out, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		data = out
	} else {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "    ")
		if err := enc.Encode(doc); err != nil {
			return err
		}
		data = buf.Bytes()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
