package provisioner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/llmariner/hemoseg/engine/internal/model"
)

// ErrModelNotReady is returned when the model is requested before provisioning completed.
var ErrModelNotReady = errors.New("model is not ready")

type downloader interface {
	Download(ctx context.Context, srcURL, destPath string) error
}

// MetricsMonitoring observes provisioning.
type MetricsMonitoring interface {
	SetProvisioningState(state string)
	ObserveModelLoadLatency(latency time.Duration)
}

// New creates a new provisioner.
func New(
	modelPath string,
	sourceURL string,
	downloader downloader,
	loader model.Loader,
	retryInterval time.Duration,
	metricsMonitor MetricsMonitoring,
	logger logr.Logger,
) *P {
	p := &P{
		modelPath:      modelPath,
		sourceURL:      sourceURL,
		downloader:     downloader,
		loader:         loader,
		retryInterval:  retryInterval,
		metricsMonitor: metricsMonitor,
		logger:         logger.WithName("provisioner"),
	}
	p.setStateLocked(StateAbsent, "")
	return p
}

// P provisions the model artifact and owns the loaded model.
//
// mu is held only to inspect or change the state, never across a download
// or a load. A caller that finds provisioning in flight gets false back
// immediately instead of waiting for it.
type P struct {
	modelPath string
	sourceURL string

	downloader downloader
	loader     model.Loader

	// retryInterval is the wait before Run starts another download sequence
	// after one failed. Run gives up when it is negative.
	retryInterval time.Duration

	metricsMonitor MetricsMonitoring

	mu        sync.Mutex
	state     State
	reason    string
	updatedAt time.Time
	predictor model.Predictor
	closed    bool

	logger logr.Logger
}

// EnsureReady provisions the model unless it is ready or provisioning is in
// flight. It returns true if the model is ready when it returns.
//
// Failures never surface as errors; they are recorded in the state and
// visible through Status.
func (p *P) EnsureReady(ctx context.Context) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	switch p.state {
	case StateReady:
		p.mu.Unlock()
		return true
	case StateDownloading:
		p.mu.Unlock()
		return false
	case StateLoadFailed:
		if p.artifactExists() {
			p.mu.Unlock()
			return false
		}
		p.logger.Info("The model artifact was removed. Provisioning again", "path", p.modelPath)
	}
	p.setStateLocked(StateDownloading, "")
	p.mu.Unlock()

	predictor, state, reason := p.provision(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed && predictor != nil {
		// Close was called while loading.
		_ = predictor.Close()
		predictor = nil
		state = StateAbsent
		reason = "provisioner is closed"
	}
	p.predictor = predictor
	p.setStateLocked(state, reason)
	return state == StateReady
}

func (p *P) provision(ctx context.Context) (model.Predictor, State, string) {
	log := p.logger.WithValues("path", p.modelPath)

	if !p.artifactExists() {
		log.Info("The model artifact does not exist. Downloading", "url", p.sourceURL)
		if err := p.downloader.Download(ctx, p.sourceURL, p.modelPath); err != nil {
			log.Error(err, "Failed to download the model")
			return nil, StateAbsent, fmt.Sprintf("download: %s", err)
		}
	} else {
		log.Info("The model artifact already exists. Skipping the download")
	}

	st := time.Now()
	predictor, err := p.loader.Load(p.modelPath)
	if err != nil {
		// The artifact is kept. An operator has to tell a bad fetch from a bad file.
		log.Error(err, "Failed to load the model")
		return nil, StateLoadFailed, fmt.Sprintf("load: %s", err)
	}
	if p.metricsMonitor != nil {
		p.metricsMonitor.ObserveModelLoadLatency(time.Since(st))
	}
	log.Info("The model is ready", "loadTime", time.Since(st))
	return predictor, StateReady, ""
}

// Run provisions the model in the background. After a failed download it
// tries again every retryInterval until the model is ready, the load fails,
// or ctx is done.
func (p *P) Run(ctx context.Context) error {
	p.logger.Info("Starting provisioner", "path", p.modelPath)
	for {
		if p.EnsureReady(ctx) {
			return nil
		}

		st := p.Status()
		switch {
		case st.State == StateLoadFailed:
			p.logger.Info("Stopping provisioner. The model artifact needs to be replaced", "reason", st.Reason)
			return nil
		case p.retryInterval < 0:
			p.logger.Info("Stopping provisioner", "state", st.State.String(), "reason", st.Reason)
			return nil
		}

		p.logger.Info("Provisioning did not complete. Retrying after sleep", "state", st.State.String(), "interval", p.retryInterval)
		timer := time.NewTimer(p.retryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// Model returns the loaded model. It never starts provisioning.
func (p *P) Model() (model.Predictor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.state != StateReady {
		return nil, ErrModelNotReady
	}
	return p.predictor, nil
}

// Status returns the current status.
func (p *P) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		State:     p.state,
		Reason:    p.reason,
		UpdatedAt: p.updatedAt,
	}
}

// IsReady returns true if the model is ready. Otherwise it returns false with a message.
func (p *P) IsReady() (bool, string) {
	st := p.Status()
	if st.State == StateReady {
		return true, ""
	}
	if st.Reason == "" {
		return false, fmt.Sprintf("model is %s", st.State)
	}
	return false, fmt.Sprintf("model is %s: %s", st.State, st.Reason)
}

// Close releases the loaded model.
func (p *P) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.predictor == nil {
		return nil
	}
	err := p.predictor.Close()
	p.predictor = nil
	return err
}

func (p *P) setStateLocked(s State, reason string) {
	p.state = s
	p.reason = reason
	p.updatedAt = time.Now()
	if p.metricsMonitor != nil {
		p.metricsMonitor.SetProvisioningState(s.String())
	}
}

func (p *P) artifactExists() bool {
	_, err := os.Stat(p.modelPath)
	return err == nil
}
