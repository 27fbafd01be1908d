// Command dpbench builds loopback circuits and measures how fast buffers
// move through them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sdrflow/dataplane/internal/config"
	"github.com/sdrflow/dataplane/internal/dataplane"
	"github.com/sdrflow/dataplane/internal/logging"
	"github.com/sdrflow/dataplane/internal/metrics"
)

func main() {
	scenarioPath := flag.String("scenario", "", "YAML scenario file; empty runs the built-in set")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address")
	timeout := flag.Duration("timeout", time.Minute, "per-scenario timeout")
	flag.Parse()

	cfg := config.LoadOrDefault()
	logger, err := logging.New(logging.Config{Level: cfg.Level, Development: cfg.Development})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	scenarios, err := loadScenarios(*scenarioPath)
	if err != nil {
		logger.Fatal("load scenarios", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := dataplane.New(cfg, dataplane.WithLogger(logger), dataplane.WithMetrics(m))
	if err != nil {
		logger.Fatal("create transport", zap.Error(err))
	}
	defer tr.Close()

	failed := 0
	for _, s := range scenarios {
		sctx, cancel := context.WithTimeout(ctx, *timeout)
		res, err := run(sctx, tr, s)
		cancel()
		if err != nil {
			failed++
			logger.Error("scenario failed", zap.String("scenario", s.Name), zap.Error(err))
			continue
		}
		logger.Info("scenario done",
			zap.String("scenario", s.Name),
			zap.String("circuit", res.circuit),
			zap.String("pattern", res.pattern),
			zap.Int("buffers", res.buffers),
			zap.Int64("bytes", res.bytes),
			zap.Duration("elapsed", res.elapsed),
			zap.String("throughput", res.throughput()))
		if ctx.Err() != nil {
			break
		}
	}
	if failed > 0 {
		logger.Sync()
		os.Exit(1)
	}
}

type result struct {
	circuit string
	pattern string
	buffers int
	bytes   int64
	elapsed time.Duration
}

func (r result) throughput() string {
	sec := r.elapsed.Seconds()
	if sec == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f buf/s, %.1f MB/s", float64(r.buffers)/sec, float64(r.bytes)/sec/1e6)
}

// run connects the scenario's ports, pushes every message through and
// waits until the inputs have seen all of them.
func run(ctx context.Context, tr *dataplane.Transport, s Scenario) (result, error) {
	topo, err := s.Topology()
	if err != nil {
		return result{}, err
	}
	outs, ins, err := createPorts(ctx, tr, s)
	if err != nil {
		return result{}, err
	}
	c, err := tr.ConnectSets(ctx, outs, ins, topo)
	if err != nil {
		return result{}, err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		tr.Disconnect(dctx, outs[0], ins[0])
	}()

	want := s.expected(c.Pattern())
	var got atomic.Int64
	var bytes atomic.Int64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	cctx, done := context.WithCancel(gctx)
	defer done()
	for _, p := range outs {
		x := dataplane.NewExternalPort(p)
		g.Go(func() error { return inject(gctx, x, s) })
	}
	for _, p := range ins {
		x := dataplane.NewExternalPort(p)
		g.Go(func() error {
			for {
				b, err := x.WaitBuffer(cctx)
				if errors.Is(err, context.Canceled) && gctx.Err() == nil {
					return nil
				}
				if err != nil {
					return err
				}
				bytes.Add(int64(b.Length()))
				if err := b.Release(); err != nil {
					return err
				}
				if got.Add(1) == int64(want) {
					done()
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return result{}, err
	}
	return result{
		circuit: c.ID().String(),
		pattern: c.Pattern(),
		buffers: int(got.Load()),
		bytes:   bytes.Load(),
		elapsed: time.Since(start),
	}, nil
}

func inject(ctx context.Context, x *dataplane.ExternalPort, s Scenario) error {
	for i := range s.Messages {
		b, err := x.WaitBuffer(ctx)
		if err != nil {
			return err
		}
		data := b.Data()
		n := uint32(len(data))
		if s.Length > 0 && s.Length < n {
			n = s.Length
		}
		data[0] = byte(i)
		if err := b.Put(n, uint32(i), i == s.Messages-1); err != nil {
			return err
		}
	}
	return nil
}

func createPorts(ctx context.Context, tr *dataplane.Transport, s Scenario) (dataplane.PortSet, dataplane.PortSet, error) {
	var outs, ins dataplane.PortSet
	for i := range s.Outputs {
		p, err := tr.CreateOutputPort(ctx, i, s.Count, s.Size, s.portOptions(true))
		if err != nil {
			return nil, nil, err
		}
		outs = append(outs, p)
	}
	for i := range s.Inputs {
		p, err := tr.CreateInputPort(ctx, i, s.Count, s.Size, s.portOptions(false))
		if err != nil {
			return nil, nil, err
		}
		ins = append(ins, p)
	}
	return outs, ins, nil
}
