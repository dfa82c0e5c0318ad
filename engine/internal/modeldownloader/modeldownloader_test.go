package modeldownloader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	testutil "github.com/llmariner/hemoseg/common/pkg/test"
	"github.com/llmariner/hemoseg/engine/internal/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = httputil.RetryPolicy{
	MaxAttempts:    3,
	Backoff:        httputil.LinearBackoff(time.Millisecond),
	AttemptTimeout: 5 * time.Second,
}

func TestDownload_HTTP(t *testing.T) {
	const body = "fake model data"

	tcs := []struct {
		name         string
		handler      func(attempt int32, w http.ResponseWriter)
		wantAttempts int32
		wantErr      bool
	}{
		{
			name: "success",
			handler: func(attempt int32, w http.ResponseWriter) {
				_, _ = io.WriteString(w, body)
			},
			wantAttempts: 1,
		},
		{
			name: "success after a server error",
			handler: func(attempt int32, w http.ResponseWriter) {
				if attempt == 1 {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				_, _ = io.WriteString(w, body)
			},
			wantAttempts: 2,
		},
		{
			name: "server errors on all attempts",
			handler: func(attempt int32, w http.ResponseWriter) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantAttempts: 3,
			wantErr:      true,
		},
		{
			name: "not found is not retried",
			handler: func(attempt int32, w http.ResponseWriter) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantAttempts: 1,
			wantErr:      true,
		},
		{
			name: "truncated body",
			handler: func(attempt int32, w http.ResponseWriter) {
				w.Header().Set("Content-Length", "1000")
				_, _ = io.WriteString(w, body)
			},
			wantAttempts: 3,
			wantErr:      true,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tc.handler(attempts.Add(1), w)
			}))
			defer srv.Close()

			destPath := filepath.Join(t.TempDir(), "models", "model.onnx")
			m := &fakeMetricsMonitor{}
			d := New(testPolicy, srv.Client(), nil, m, testutil.NewTestLogger(t))
			err := d.Download(context.Background(), srv.URL+"/model.onnx", destPath)
			assert.Equal(t, tc.wantAttempts, attempts.Load())
			assert.Equal(t, int(tc.wantAttempts), m.attempts)

			_, perr := os.Stat(PartialPath(destPath))
			assert.True(t, os.IsNotExist(perr), "partial file must not survive")

			if tc.wantErr {
				assert.ErrorIs(t, err, ErrDownload)
				_, serr := os.Stat(destPath)
				assert.True(t, os.IsNotExist(serr), "artifact must not exist after a failed download")
				return
			}
			assert.NoError(t, err)
			b, err := os.ReadFile(destPath)
			require.NoError(t, err)
			assert.Equal(t, body, string(b))
		})
	}
}

func TestDownload_RemovesStalePartialFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(PartialPath(destPath), []byte("left over"), 0644))

	d := New(testPolicy, srv.Client(), nil, nil, testutil.NewTestLogger(t))
	err := d.Download(context.Background(), srv.URL, destPath)
	assert.ErrorIs(t, err, ErrDownload)

	_, err = os.Stat(PartialPath(destPath))
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_CreateDirectoryFails(t *testing.T) {
	// The parent of the destination is a regular file.
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0644))

	d := New(testPolicy, http.DefaultClient, nil, nil, testutil.NewTestLogger(t))
	err := d.Download(context.Background(), "http://example.com/model.onnx", filepath.Join(parent, "model.onnx"))
	assert.ErrorIs(t, err, ErrDownload)
}

func TestDownload_S3(t *testing.T) {
	tcs := []struct {
		name         string
		url          string
		errs         []error
		wantAttempts int
		wantErr      bool
	}{
		{
			name:         "success",
			url:          "s3://models/unet/model.onnx",
			wantAttempts: 1,
		},
		{
			name:         "transient error",
			url:          "s3://models/unet/model.onnx",
			errs:         []error{&smithy.GenericAPIError{Code: "SlowDown"}},
			wantAttempts: 2,
		},
		{
			name:         "missing key",
			url:          "s3://models/unet/model.onnx",
			errs:         []error{&smithy.GenericAPIError{Code: "NoSuchKey"}},
			wantAttempts: 1,
			wantErr:      true,
		},
		{
			name:    "missing key in url",
			url:     "s3://models",
			wantErr: true,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			s3Client := &fakeS3Client{errs: tc.errs, data: []byte("fake model data")}
			destPath := filepath.Join(t.TempDir(), "model.onnx")
			d := New(testPolicy, http.DefaultClient, s3Client, nil, testutil.NewTestLogger(t))
			err := d.Download(context.Background(), tc.url, destPath)
			assert.Equal(t, tc.wantAttempts, s3Client.numDownload)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrDownload)
				_, serr := os.Stat(destPath)
				assert.True(t, os.IsNotExist(serr))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, "models", s3Client.bucket)
			assert.Equal(t, "unet/model.onnx", s3Client.key)
			b, err := os.ReadFile(destPath)
			assert.NoError(t, err)
			assert.Equal(t, "fake model data", string(b))
		})
	}
}

type fakeS3Client struct {
	errs []error
	data []byte

	numDownload int
	bucket      string
	key         string
}

func (c *fakeS3Client) Download(ctx context.Context, w io.WriterAt, bucket, key string) error {
	c.numDownload++
	c.bucket = bucket
	c.key = key
	// Write part of the object first so that a failure leaves a partial file behind.
	if _, err := w.WriteAt(c.data[:4], 0); err != nil {
		return err
	}
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return err
	}
	_, err := w.WriteAt(c.data[4:], 4)
	return err
}

type fakeMetricsMonitor struct {
	attempts int
}

func (m *fakeMetricsMonitor) ObserveDownloadAttempt(err error) {
	m.attempts++
}
