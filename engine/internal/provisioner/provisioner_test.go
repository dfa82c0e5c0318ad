package provisioner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	testutil "github.com/llmariner/hemoseg/common/pkg/test"
	"github.com/llmariner/hemoseg/engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureReady_SingleFlight(t *testing.T) {
	modelPath := filepath.Join(t.TempDir(), "model.onnx")
	d := &fakeDownloader{release: make(chan struct{}), started: make(chan struct{})}
	l := &fakeLoader{}
	p := New(modelPath, "http://example.com/model.onnx", d, l, time.Minute, nil, testutil.NewTestLogger(t))

	done := make(chan bool)
	go func() {
		done <- p.EnsureReady(context.Background())
	}()
	<-d.started

	// Callers that arrive during the download do not wait for it.
	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.False(t, p.EnsureReady(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, StateDownloading, p.Status().State)

	_, err := p.Model()
	assert.ErrorIs(t, err, ErrModelNotReady)

	close(d.release)
	assert.True(t, <-done)

	assert.Equal(t, 1, d.calls())
	assert.Equal(t, 1, l.calls())
	assert.Equal(t, StateReady, p.Status().State)

	// Once ready, nothing is provisioned again.
	for i := 0; i < n; i++ {
		assert.True(t, p.EnsureReady(context.Background()))
	}
	m, err := p.Model()
	assert.NoError(t, err)
	assert.NotNil(t, m)
	assert.Equal(t, 1, d.calls())
	assert.Equal(t, 1, l.calls())
}

func TestEnsureReady(t *testing.T) {
	tcs := []struct {
		name           string
		artifactExists bool
		downloadErr    error
		loadErr        error
		wantReady      bool
		wantState      State
		wantDownloads  int
		wantLoads      int
		wantArtifact   bool
	}{
		{
			name:          "download and load",
			wantReady:     true,
			wantState:     StateReady,
			wantDownloads: 1,
			wantLoads:     1,
			wantArtifact:  true,
		},
		{
			name:           "artifact already exists",
			artifactExists: true,
			wantReady:      true,
			wantState:      StateReady,
			wantLoads:      1,
			wantArtifact:   true,
		},
		{
			name:          "download fails",
			downloadErr:   errors.New("download failed"),
			wantState:     StateAbsent,
			wantDownloads: 1,
		},
		{
			name:           "load fails",
			artifactExists: true,
			loadErr:        errors.New("corrupt model"),
			wantState:      StateLoadFailed,
			wantLoads:      1,
			wantArtifact:   true,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			modelPath := filepath.Join(t.TempDir(), "model.onnx")
			if tc.artifactExists {
				require.NoError(t, os.WriteFile(modelPath, []byte("model"), 0644))
			}
			d := &fakeDownloader{err: tc.downloadErr}
			l := &fakeLoader{err: tc.loadErr}
			m := &fakeMetricsMonitor{}
			p := New(modelPath, "http://example.com/model.onnx", d, l, time.Minute, m, testutil.NewTestLogger(t))

			assert.Equal(t, tc.wantReady, p.EnsureReady(context.Background()))
			st := p.Status()
			assert.Equal(t, tc.wantState, st.State)
			assert.Equal(t, tc.wantDownloads, d.calls())
			assert.Equal(t, tc.wantLoads, l.calls())
			assert.Equal(t, tc.wantState.String(), m.state)

			_, err := os.Stat(modelPath)
			assert.Equal(t, tc.wantArtifact, err == nil)

			ready, reason := p.IsReady()
			assert.Equal(t, tc.wantReady, ready)
			if tc.wantReady {
				assert.Empty(t, st.Reason)
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, st.Reason)
				assert.Contains(t, reason, tc.wantState.String())
			}
		})
	}
}

func TestEnsureReady_RetriesAfterDownloadFailure(t *testing.T) {
	modelPath := filepath.Join(t.TempDir(), "model.onnx")
	d := &fakeDownloader{err: errors.New("network down")}
	l := &fakeLoader{}
	p := New(modelPath, "http://example.com/model.onnx", d, l, time.Minute, nil, testutil.NewTestLogger(t))

	assert.False(t, p.EnsureReady(context.Background()))
	assert.Equal(t, StateAbsent, p.Status().State)

	d.setErr(nil)
	assert.True(t, p.EnsureReady(context.Background()))
	assert.Equal(t, 2, d.calls())
	assert.Equal(t, 1, l.calls())
}

func TestEnsureReady_LoadFailedIsTerminal(t *testing.T) {
	modelPath := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(modelPath, []byte("corrupt"), 0644))
	d := &fakeDownloader{}
	l := &fakeLoader{err: errors.New("corrupt model")}
	p := New(modelPath, "http://example.com/model.onnx", d, l, time.Minute, nil, testutil.NewTestLogger(t))

	assert.False(t, p.EnsureReady(context.Background()))
	assert.False(t, p.EnsureReady(context.Background()))
	assert.Equal(t, StateLoadFailed, p.Status().State)
	assert.Equal(t, 0, d.calls())
	assert.Equal(t, 1, l.calls())

	// Removing the artifact starts provisioning from scratch.
	require.NoError(t, os.Remove(modelPath))
	l.setErr(nil)
	assert.True(t, p.EnsureReady(context.Background()))
	assert.Equal(t, 1, d.calls())
	assert.Equal(t, 2, l.calls())
}

func TestRun(t *testing.T) {
	tcs := []struct {
		name          string
		retryInterval time.Duration
		failures      int
		loadErr       error
		wantState     State
		wantDownloads int
	}{
		{
			name:          "ready on first attempt",
			retryInterval: time.Millisecond,
			wantState:     StateReady,
			wantDownloads: 1,
		},
		{
			name:          "ready after re-arming",
			retryInterval: time.Millisecond,
			failures:      2,
			wantState:     StateReady,
			wantDownloads: 3,
		},
		{
			name:          "re-arming disabled",
			retryInterval: -1,
			failures:      2,
			wantState:     StateAbsent,
			wantDownloads: 1,
		},
		{
			name:          "load failure stops",
			retryInterval: time.Millisecond,
			loadErr:       errors.New("corrupt model"),
			wantState:     StateLoadFailed,
			wantDownloads: 1,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			modelPath := filepath.Join(t.TempDir(), "model.onnx")
			d := &fakeDownloader{failures: tc.failures}
			l := &fakeLoader{err: tc.loadErr}
			p := New(modelPath, "http://example.com/model.onnx", d, l, tc.retryInterval, nil, testutil.NewTestLogger(t))

			ctx, cancel := context.WithTimeout(testutil.ContextWithLogger(t), 10*time.Second)
			defer cancel()
			assert.NoError(t, p.Run(ctx))
			assert.Equal(t, tc.wantState, p.Status().State)
			assert.Equal(t, tc.wantDownloads, d.calls())
		})
	}
}

func TestRun_StopsOnContextDone(t *testing.T) {
	modelPath := filepath.Join(t.TempDir(), "model.onnx")
	d := &fakeDownloader{err: errors.New("network down")}
	p := New(modelPath, "http://example.com/model.onnx", d, &fakeLoader{}, time.Hour, nil, testutil.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		errCh <- p.Run(ctx)
	}()
	assert.Eventually(t, func() bool { return d.calls() == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-errCh)
	assert.Equal(t, StateAbsent, p.Status().State)
}

func TestClose(t *testing.T) {
	modelPath := filepath.Join(t.TempDir(), "model.onnx")
	l := &fakeLoader{}
	p := New(modelPath, "http://example.com/model.onnx", &fakeDownloader{}, l, time.Minute, nil, testutil.NewTestLogger(t))

	assert.True(t, p.EnsureReady(context.Background()))
	assert.NoError(t, p.Close())
	assert.True(t, l.predictor.closed)

	_, err := p.Model()
	assert.ErrorIs(t, err, ErrModelNotReady)
	assert.False(t, p.EnsureReady(context.Background()))
}

type fakeDownloader struct {
	mu       sync.Mutex
	err      error
	failures int
	n        int

	// started is closed when the first download starts. The download then
	// blocks until release is closed.
	started chan struct{}
	release chan struct{}
}

func (d *fakeDownloader) Download(ctx context.Context, srcURL, destPath string) error {
	d.mu.Lock()
	d.n++
	n := d.n
	err := d.err
	if n <= d.failures {
		err = errors.New("transient failure")
	}
	d.mu.Unlock()

	if n == 1 && d.started != nil {
		close(d.started)
		<-d.release
	}
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte("model"), 0644)
}

func (d *fakeDownloader) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDownloader) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

type fakeLoader struct {
	mu        sync.Mutex
	err       error
	n         int
	predictor *fakePredictor
}

func (l *fakeLoader) Load(path string) (model.Predictor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	if l.err != nil {
		return nil, l.err
	}
	l.predictor = &fakePredictor{}
	return l.predictor, nil
}

func (l *fakeLoader) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *fakeLoader) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

type fakePredictor struct {
	closed bool
}

func (p *fakePredictor) Predict(input []float32) ([]float32, error) {
	return make([]float32, len(input)), nil
}

func (p *fakePredictor) Close() error {
	p.closed = true
	return nil
}

type fakeMetricsMonitor struct {
	state string
}

func (m *fakeMetricsMonitor) SetProvisioningState(state string) {
	m.state = state
}

func (m *fakeMetricsMonitor) ObserveModelLoadLatency(latency time.Duration) {
}
