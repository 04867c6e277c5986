package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"kafl.local/agent/internal/corpus"
	"kafl.local/agent/internal/emuhost"
	"kafl.local/agent/wire"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

func dumpFlags(mode string) (wire.PayloadFlags, error) {
	switch mode {
	case "":
		return 0, nil
	case "observed":
		return wire.FlagDumpObserved, nil
	case "stats":
		return wire.FlagDumpStats, nil
	case "callers":
		return wire.FlagDumpCallers, nil
	}
	return 0, errors.Errorf("unknown dump mode %q, want observed, stats or callers", mode)
}

type result struct {
	input   string
	outcome emuhost.Outcome
}

// replay runs every input once, spreading them over opts.Workers hosts.
func replay(ctx context.Context, opts options, paths []string, log logrus.FieldLogger) (emuhost.Summary, error) {
	summary := emuhost.NewSummary()
	flags, err := dumpFlags(opts.Dump)
	if err != nil {
		return summary, err
	}
	inputs, err := corpus.Load(paths, 0)
	if err != nil {
		return summary, err
	}

	reg := prometheus.NewRegistry()
	metrics, err := emuhost.NewMetrics(reg)
	if err != nil {
		return summary, err
	}
	defer serveMetrics(opts.MetricsAddr, reg, log)()
	if opts.DumpDir != "" {
		if err := os.MkdirAll(opts.DumpDir, 0o755); err != nil {
			return summary, errors.Wrap(err, "create dump dir")
		}
	}

	hosts := make([]*emuhost.Host, opts.Workers)
	for i := range hosts {
		cfg := emuhost.DefaultConfig()
		cfg.PayloadBufferSize = opts.BufferSize
		cfg.MemorySize = opts.MemorySize
		cfg.WorkerID = uint32(i)
		cfg.Metrics = metrics
		if hosts[i], err = emuhost.New(cfg); err != nil {
			return summary, err
		}
	}

	work := make(chan corpus.Input)
	results := make(chan result)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(work)
		for _, in := range inputs {
			select {
			case work <- in:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	var wg sync.WaitGroup
	for i, host := range hosts {
		i, host := i, host
		wg.Add(1)
		eg.Go(func() error {
			defer wg.Done()
			return worker(ctx, host, opts, flags, work, results, log.WithField("worker", i))
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		summary.Add(r.outcome)
		entry := log.WithFields(logrus.Fields{"input": r.input, "outcome": r.outcome.Kind})
		if r.outcome.AbortMessage != "" {
			entry = entry.WithField("reason", r.outcome.AbortMessage)
		}
		entry.Infof("penalty %d", r.outcome.Penalty)
	}
	return summary, eg.Wait()
}

func worker(ctx context.Context, host *emuhost.Host, opts options, flags wire.PayloadFlags,
	work <-chan corpus.Input, results chan<- result, log logrus.FieldLogger) error {
	seen := 0
	for in := range work {
		h := &harness{host: host, opts: opts}
		host.Queue(in.Data, flags)
		out := host.Iterate(h.run)
		if h.err != nil {
			return errors.Wrapf(h.err, "input %s", in.Name)
		}
		if out.Kind != emuhost.Exhausted && host.Pending() != 0 {
			return errors.Errorf("input %s: guest did not take its payload", in.Name)
		}
		if opts.HostLog {
			for _, line := range host.Log()[seen:] {
				log.WithField("input", in.Name).Info(line)
			}
			seen = len(host.Log())
		}
		if err := saveFiles(opts.DumpDir, in.Name, host.TakeFiles()); err != nil {
			return err
		}
		select {
		case results <- result{input: in.Name, outcome: out}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func saveFiles(dir, input string, files map[string][]byte) error {
	if dir == "" {
		return nil
	}
	for name, data := range files {
		path := filepath.Join(dir, fmt.Sprintf("%s.%s", input, name))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return errors.Wrap(err, "save dumped file")
		}
	}
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// serveMetrics exposes reg on addr, if set, and returns the shutdown func.
func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) func() {
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{Addr: addr, Handler: metricsHandler(reg)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return func() { srv.Close() }
}

func writeYAML(w io.Writer, v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "render report")
	}
	_, err = w.Write(out)
	return err
}
