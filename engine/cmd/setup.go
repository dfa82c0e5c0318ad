package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/llmariner/hemoseg/engine/internal/config"
	"github.com/llmariner/hemoseg/engine/internal/httputil"
	"github.com/llmariner/hemoseg/engine/internal/metrics"
	"github.com/llmariner/hemoseg/engine/internal/model"
	"github.com/llmariner/hemoseg/engine/internal/modeldownloader"
	"github.com/llmariner/hemoseg/engine/internal/provisioner"
	"github.com/llmariner/hemoseg/engine/internal/s3"
	"github.com/natefinch/lumberjack"
)

// newLogger returns the process logger. The returned function closes the log file if any.
func newLogger(c config.LogConfig, lv int) (logr.Logger, func()) {
	stdr.SetVerbosity(lv)

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if c.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		}
		w = lj
		closeFn = func() { _ = lj.Close() }
	}
	log.SetOutput(w)
	return stdr.New(log.New(w, "", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)), closeFn
}

func newProvisioner(
	ctx context.Context,
	c *config.Config,
	m *metrics.MetricsMonitor,
	logger logr.Logger,
) (*provisioner.P, *model.ONNXLoader, error) {
	policy := httputil.RetryPolicy{
		MaxAttempts:    c.Download.MaxAttempts,
		Backoff:        httputil.LinearBackoff(c.Download.Backoff),
		AttemptTimeout: c.Download.AttemptTimeout,
	}

	var d *modeldownloader.D
	if c.UsesS3() {
		s3Client, err := s3.NewClient(ctx, c.ObjectStore.S3)
		if err != nil {
			return nil, nil, err
		}
		d = modeldownloader.New(policy, &http.Client{}, s3Client, m, logger)
	} else {
		d = modeldownloader.New(policy, &http.Client{}, nil, m, logger)
	}

	loader := model.NewONNXLoader(c.Model.RuntimeLibraryPath, c.Model.InputName, c.Model.OutputName, logger)
	p := provisioner.New(
		c.Model.Path,
		c.Model.SourceURL,
		d,
		loader,
		c.Provisioner.RetryInterval,
		m,
		logger,
	)
	return p, loader, nil
}
