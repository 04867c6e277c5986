package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"kafl.local/agent/internal/corpus"
	"kafl.local/agent/internal/emuhost"
	"kafl.local/agent/internal/fuzzer"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type fuzzReport struct {
	Summary    emuhost.Summary `yaml:"summary"`
	CorpusSize int             `yaml:"corpus_size"`
	Crashes    int             `yaml:"crashes"`
}

// fuzz runs opts.Iterations mutated inputs through one emulated host.
func fuzz(ctx context.Context, opts options, paths []string, log logrus.FieldLogger) (fuzzReport, error) {
	var report fuzzReport
	flags, err := dumpFlags(opts.Dump)
	if err != nil {
		return report, err
	}
	var seeds [][]byte
	if len(paths) > 0 {
		inputs, err := corpus.Load(paths, opts.MaxSize)
		if err != nil {
			return report, err
		}
		for _, in := range inputs {
			seeds = append(seeds, in.Data)
		}
	}

	reg := prometheus.NewRegistry()
	metrics, err := emuhost.NewMetrics(reg)
	if err != nil {
		return report, err
	}
	defer serveMetrics(opts.MetricsAddr, reg, log)()

	cfg := emuhost.DefaultConfig()
	cfg.PayloadBufferSize = opts.BufferSize
	cfg.MemorySize = opts.MemorySize
	cfg.Metrics = metrics
	host, err := emuhost.New(cfg)
	if err != nil {
		return report, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var guestErr error
	exec := fuzzer.ExecutorFunc(func(payload []byte) emuhost.Outcome {
		h := &harness{host: host, opts: opts}
		host.Queue(payload, flags)
		out := host.Iterate(h.run)
		host.TakeFiles()
		if h.err != nil && guestErr == nil {
			guestErr = h.err
			cancel()
		}
		return out
	})

	f := fuzzer.New(exec, seeds, opts.Seed, opts.MaxSize)
	err = f.Run(ctx, opts.Iterations)
	if guestErr != nil {
		return report, guestErr
	}
	if err != nil {
		return report, err
	}

	crashes := f.Crashes()
	for i, c := range crashes {
		log.WithFields(logrus.Fields{
			"outcome": c.Outcome.Kind,
			"size":    len(c.Input),
		}).Info("crash")
		if opts.CrashDir == "" {
			continue
		}
		if i == 0 {
			if err := os.MkdirAll(opts.CrashDir, 0o755); err != nil {
				return report, errors.Wrap(err, "create crash dir")
			}
		}
		name := filepath.Join(opts.CrashDir, fmt.Sprintf("crash-%04d-%s", i, c.Outcome.Kind))
		if err := os.WriteFile(name, c.Input, 0o644); err != nil {
			return report, errors.Wrap(err, "save crash")
		}
	}
	report.Summary = f.Summary()
	report.CorpusSize = len(f.Corpus())
	report.Crashes = len(crashes)
	return report, nil
}
