package modeldownloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/llmariner/hemoseg/engine/internal/httputil"
	"github.com/llmariner/hemoseg/engine/internal/s3"
)

const partialSuffix = ".download"

var (
	// ErrDownload is returned when the artifact could not be fetched.
	ErrDownload = errors.New("model download failed")
	// ErrCorruptArtifact is returned when fewer bytes than announced were received.
	ErrCorruptArtifact = errors.New("truncated model artifact")
)

type s3Client interface {
	Download(ctx context.Context, w io.WriterAt, bucket, key string) error
}

// MetricsMonitoring observes download attempts.
type MetricsMonitoring interface {
	ObserveDownloadAttempt(err error)
}

// New returns a new downloader. s3Client may be nil when no s3:// source is used.
func New(
	policy httputil.RetryPolicy,
	httpClient *http.Client,
	s3Client s3Client,
	metricsMonitor MetricsMonitoring,
	logger logr.Logger,
) *D {
	return &D{
		policy:         policy,
		httpClient:     httpClient,
		s3Client:       s3Client,
		metricsMonitor: metricsMonitor,
		logger:         logger.WithName("downloader"),
	}
}

// D is a downloader.
type D struct {
	policy     httputil.RetryPolicy
	httpClient *http.Client
	s3Client   s3Client

	metricsMonitor MetricsMonitoring

	logger logr.Logger
}

// PartialPath returns the path the artifact is streamed into before it is complete.
func PartialPath(destPath string) string {
	return destPath + partialSuffix
}

// Download fetches srcURL into destPath.
//
// The bytes are streamed into PartialPath(destPath) and renamed onto destPath
// only after the stream completed. A failed attempt removes the partial file,
// so destPath either holds a complete artifact or does not exist.
func (d *D) Download(ctx context.Context, srcURL, destPath string) error {
	u, err := url.Parse(srcURL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %s", ErrDownload, err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("%w: create directory: %s", ErrDownload, err)
	}
	tmpPath := PartialPath(destPath)
	// A previous process might have died in the middle of a download.
	if err := removeIfExists(tmpPath); err != nil {
		return fmt.Errorf("%w: %s", ErrDownload, err)
	}

	log := d.logger.WithValues("url", srcURL, "path", destPath)
	st := time.Now()
	err = d.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		log.Info("Downloading the model", "attempt", attempt)
		err := d.fetch(ctx, u, tmpPath)
		if d.metricsMonitor != nil {
			d.metricsMonitor.ObserveDownloadAttempt(err)
		}
		if err != nil {
			if rerr := removeIfExists(tmpPath); rerr != nil {
				log.Error(rerr, "Failed to remove the partial artifact")
			}
			return err
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		log.Error(err, "Download failed. Retrying", "attempt", attempt, "wait", wait)
	})
	if err != nil {
		_ = removeIfExists(tmpPath)
		return fmt.Errorf("%w: %w", ErrDownload, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = removeIfExists(tmpPath)
		return fmt.Errorf("%w: rename: %s", ErrDownload, err)
	}
	log.Info("Downloaded the model", "elapsed", time.Since(st))
	return nil
}

func (d *D) fetch(ctx context.Context, u *url.URL, path string) error {
	switch u.Scheme {
	case "http", "https":
		return d.fetchHTTP(ctx, u, path)
	case "s3":
		return d.fetchS3(ctx, u, path)
	default:
		return httputil.Permanent(fmt.Errorf("unsupported scheme: %q", u.Scheme))
	}
}

func (d *D) fetchHTTP(ctx context.Context, u *url.URL, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return httputil.Permanent(fmt.Errorf("request creation error: %s", err))
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
			return httputil.Permanent(err)
		}
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return httputil.Permanent(fmt.Errorf("create file: %s", err))
	}
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %s", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrCorruptArtifact, n, resp.ContentLength)
	}
	return nil
}

func (d *D) fetchS3(ctx context.Context, u *url.URL, path string) error {
	if d.s3Client == nil {
		return httputil.Permanent(fmt.Errorf("s3 is not configured"))
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return httputil.Permanent(fmt.Errorf("invalid s3 url: %q", u.String()))
	}

	f, err := os.Create(path)
	if err != nil {
		return httputil.Permanent(fmt.Errorf("create file: %s", err))
	}
	if err := d.s3Client.Download(ctx, f, bucket, key); err != nil {
		_ = f.Close()
		if s3.IsPermanentError(err) {
			return httputil.Permanent(err)
		}
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %s", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %q: %s", path, err)
	}
	return nil
}
