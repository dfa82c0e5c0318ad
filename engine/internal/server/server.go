package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/llmariner/hemoseg/engine/internal/pipeline"
	"github.com/llmariner/hemoseg/engine/internal/store"
)

const (
	formField = "image_file"

	// maxMemory is the part of a multipart form kept in memory. The rest spills to temporary files.
	maxMemory = 8 << 20

	msgNoFile         = "Please choose an image to upload."
	msgBadExtension   = "Only PNG and JPEG images (.png, .jpg, .jpeg) are supported."
	msgTooLarge       = "The uploaded file is too large."
	msgDecode         = "The uploaded file could not be read as an image."
	msgModelNotReady  = "The model is still being prepared. Please try again in a few minutes."
	msgProcessFailure = "Failed to analyze the image. Please try again."

	retryAfterSeconds = "30"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type processor interface {
	Process(ctx context.Context, filename string, data []byte) (*pipeline.Result, error)
}

type uploadStore interface {
	Save(name string, r io.Reader) error
	Remove(name string) error
	Dir() string
}

// MetricsMonitoring observes requests.
type MetricsMonitoring interface {
	ObserveRequest(code int)
}

// New creates a server.
func New(
	proc processor,
	uploads uploadStore,
	healthHandler http.Handler,
	readyHandler http.Handler,
	metricsMonitor MetricsMonitoring,
	maxUploadBytes int64,
	logger logr.Logger,
) *S {
	return &S{
		proc:           proc,
		uploads:        uploads,
		healthHandler:  healthHandler,
		readyHandler:   readyHandler,
		metricsMonitor: metricsMonitor,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.WithName("http"),
	}
}

// S is the HTTP server of the upload form.
type S struct {
	proc           processor
	uploads        uploadStore
	healthHandler  http.Handler
	readyHandler   http.Handler
	metricsMonitor MetricsMonitoring
	maxUploadBytes int64

	logger logr.Logger
}

// Handler returns the handler that serves all routes.
func (s *S) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /{$}", s.handleUpload)
	mux.Handle("GET /health", s.healthHandler)
	mux.Handle("GET /ready", s.readyHandler)
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", noDirListing(http.FileServer(http.Dir(s.uploads.Dir())))))
	return mux
}

type page struct {
	OriginalImg string
	OutputImg   string
	Area        int
	Error       string
	Token       string
}

func (s *S) handleIndex(w http.ResponseWriter, req *http.Request) {
	s.render(w, http.StatusOK, &page{})
}

func (s *S) handleUpload(w http.ResponseWriter, req *http.Request) {
	code := http.StatusOK
	defer func() {
		if s.metricsMonitor != nil {
			s.metricsMonitor.ObserveRequest(code)
		}
	}()
	fail := func(c int, msg string) {
		code = c
		if c == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", retryAfterSeconds)
		}
		s.render(w, c, &page{Error: msg})
	}

	req.Body = http.MaxBytesReader(w, req.Body, s.maxUploadBytes)
	if err := req.ParseMultipartForm(maxMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			fail(http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		s.logger.V(1).Info("Failed to parse the form", "error", err)
		fail(http.StatusBadRequest, msgNoFile)
		return
	}
	defer func() {
		_ = req.MultipartForm.RemoveAll()
	}()

	file, header, err := req.FormFile(formField)
	if err != nil {
		fail(http.StatusBadRequest, msgNoFile)
		return
	}
	defer func() {
		_ = file.Close()
	}()

	filename := store.SanitizeFilename(header.Filename)
	if filename == "" || header.Size == 0 {
		fail(http.StatusBadRequest, msgNoFile)
		return
	}
	if !pipeline.SupportedExtension(filename) {
		fail(http.StatusBadRequest, msgBadExtension)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.logger.Error(err, "Failed to read the upload", "filename", filename)
		fail(http.StatusBadRequest, msgNoFile)
		return
	}

	log := s.logger.WithValues("filename", filename, "size", len(data))

	// The original is kept for display next to the result.
	if err := s.uploads.Save(filename, bytes.NewReader(data)); err != nil {
		log.Error(err, "Failed to save the upload")
		fail(http.StatusInternalServerError, msgProcessFailure)
		return
	}

	st := time.Now()
	res, err := s.proc.Process(req.Context(), filename, data)
	if err != nil {
		if rerr := s.uploads.Remove(filename); rerr != nil {
			log.Error(rerr, "Failed to remove the upload")
		}
		switch {
		case errors.Is(err, pipeline.ErrDecode):
			log.Info("Rejected an unreadable image", "error", err)
			fail(http.StatusBadRequest, msgDecode)
		case errors.Is(err, pipeline.ErrModelNotReady):
			log.Info("Rejected a request. The model is not ready")
			fail(http.StatusServiceUnavailable, msgModelNotReady)
		default:
			log.Error(err, "Failed to process the image")
			fail(http.StatusInternalServerError, msgProcessFailure)
		}
		return
	}
	log.Info("Processed an upload", "result", res.Filename, "area", res.Area, "latency", time.Since(st))

	s.render(w, http.StatusOK, &page{
		OriginalImg: filename,
		OutputImg:   res.Filename,
		Area:        res.Area,
		Token:       uuid.NewString(),
	})
}

func (s *S) render(w http.ResponseWriter, code int, p *page) {
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, p); err != nil {
		s.logger.Error(err, "Failed to render the page")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Error(err, "Failed to write the page")
	}
}

func noDirListing(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "" || strings.HasSuffix(req.URL.Path, "/") {
			http.NotFound(w, req)
			return
		}
		h.ServeHTTP(w, req)
	})
}

// ListenAndServe serves handler on the port until ctx is done, then shuts
// the server down gracefully.
func ListenAndServe(ctx context.Context, name string, port int, handler http.Handler, logger logr.Logger) error {
	log := logger.WithName(name)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server...", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s server: %s", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s server: %s", name, err)
	}
	log.Info("Stopped server")
	return nil
}
