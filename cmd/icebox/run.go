package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/CZERTAINLY/icebox/internal/builtin"
	"github.com/CZERTAINLY/icebox/internal/comm"
	"github.com/CZERTAINLY/icebox/internal/history"
	"github.com/CZERTAINLY/icebox/internal/icebox"
	"github.com/CZERTAINLY/icebox/internal/log"
	"github.com/CZERTAINLY/icebox/internal/properties"

	"github.com/google/renameio/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const metricsFacet = "Metrics"

func doRun(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	attrs := slog.Group("icebox",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	if configPath != "" {
		args = append([]string{"--" + properties.ConfigKey + "=" + configPath}, args...)
	}
	c, rest, err := comm.Initialize(nil, args)
	if err != nil {
		return fmt.Errorf("initializing communicator: %w", err)
	}
	defer func() {
		err = errors.Join(err, c.Destroy())
	}()

	if flagPIDFile != "" {
		pid := strconv.Itoa(os.Getpid()) + "\n"
		if err := renameio.WriteFile(flagPIDFile, []byte(pid), 0o644); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer func() {
			_ = os.Remove(flagPIDFile)
		}()
	}

	registry := icebox.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := icebox.NewServiceManager(c, registry, rest, icebox.WithRegisterer(reg))
	if err := c.AddAdminFacet(metricsFacet, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
		return err
	}

	if path := c.Properties().Get(icebox.DefaultPrefix + ".History.DB"); path != "" {
		h, err := history.Open(ctx, path)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, h.Close())
		}()
		if err := c.AddAdminFacet(icebox.DefaultPrefix+".History", h); err != nil {
			return err
		}
		m.AddObserver(ctx, h)
	}

	return serve(ctx, m)
}

// serve runs m until the communicator is shut down or a signal arrives
func serve(ctx context.Context, m *icebox.ServiceManager) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return m.Run(ctx)
	})
	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-sigCtx.Done():
		}
		slog.InfoContext(ctx, "shutting down", "cause", context.Cause(sigCtx))
		if err := m.Shutdown(); err != nil && !errors.Is(err, comm.ErrDisposed) {
			return err
		}
		return nil
	})
	return g.Wait()
}
