package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/llmariner/hemoseg/engine/internal/config"
	"github.com/llmariner/hemoseg/engine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// pullCmd creates a new pull command.
// pull command downloads the model artifact if it does not exist and verifies
// that it loads. It exits with an error if the model does not become ready.
func pullCmd() *cobra.Command {
	var path string
	var logLevel int
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "pull",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Parse(path)
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}

			logger, closeLog := newLogger(c.Log, logLevel)
			defer closeLog()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			m := metrics.NewMetricsMonitor(prometheus.NewRegistry())
			p, loader, err := newProvisioner(ctx, &c, m, logger)
			if err != nil {
				return err
			}
			defer func() {
				_ = p.Close()
				_ = loader.Close()
			}()

			if !p.EnsureReady(ctx) {
				st := p.Status()
				return fmt.Errorf("model is %s: %s", st.State, st.Reason)
			}
			logger.Info("The model is ready", "path", c.Model.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "Path to the config file. The defaults are used when empty")
	cmd.Flags().IntVar(&logLevel, "v", 0, "Log level")
	return cmd
}
