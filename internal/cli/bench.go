package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"hostclient/application/http/actor/client"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var bench struct {
	requests    uint
	concurrency uint
	method      string
	metricsAddr string
}

var benchCmd = &cobra.Command{
	Use:   "bench <path>",
	Short: "Fire requests through the pool and report latency percentiles",
	Args:  cobra.ExactArgs(1),
	RunE:  runBench,
}

func init() {
	f := benchCmd.Flags()
	f.UintVarP(&bench.requests, "requests", "n", 1000, "Total number of requests")
	f.UintVarP(&bench.concurrency, "concurrency", "C", 16, "Requests in flight at once")
	f.StringVarP(&bench.method, "method", "X", "GET", "Request method")
	f.StringVar(&bench.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(benchCmd)
}

type benchStats struct {
	mu       sync.Mutex
	latency  *hdrhistogram.Histogram
	statuses map[uint]uint
	errors   map[string]uint
}

func (s *benchStats) record(d time.Duration, status uint, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.errors[err.Error()]++
		return
	}
	s.statuses[status]++
	_ = s.latency.RecordValue(d.Microseconds())
}

func runBench(cmd *cobra.Command, args []string) error {
	if bench.concurrency == 0 {
		return errors.New("concurrency must be at least 1")
	}

	headers, err := parseHeaders()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	c, err := newClient(reg)
	if err != nil {
		return err
	}
	defer shutdown(c)

	if bench.metricsAddr != "" {
		srv := serveMetrics(bench.metricsAddr, reg)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	stats := &benchStats{
		// One microsecond to one minute, three significant figures.
		latency:  hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3),
		statuses: make(map[uint]uint),
		errors:   make(map[string]uint),
	}

	var (
		next atomic.Int64
		wg   sync.WaitGroup
	)
	started := time.Now()
	for range bench.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{}, 1)
			for next.Add(1) <= int64(bench.requests) {
				begin := time.Now()
				req := c.Request(bench.method, args[0], func(res *client.Response, err error) {
					if err != nil {
						stats.record(0, 0, err)
						done <- struct{}{}
						return
					}
					res.Collect(func(_ []byte, err error) {
						stats.record(time.Since(begin), res.StatusCode(), err)
						done <- struct{}{}
					})
				})
				for _, h := range headers {
					req.PutHeader(h.Name, h.Value)
				}
				if err := req.End(); err != nil {
					stats.record(0, 0, err)
					continue
				}
				<-done
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(started)

	printBench(cmd, stats, elapsed, c.Stats())
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}

func printBench(cmd *cobra.Command, s *benchStats, elapsed time.Duration, pool client.PoolStats) {
	out := cmd.OutOrStdout()
	h := s.latency

	fmt.Fprintf(out, "requests:   %d in %s (%.0f req/s)\n",
		h.TotalCount(), elapsed.Round(time.Millisecond), float64(h.TotalCount())/elapsed.Seconds())
	fmt.Fprintf(out, "latency:    p50=%s p90=%s p99=%s max=%s mean=%s\n",
		micros(h.ValueAtQuantile(50)), micros(h.ValueAtQuantile(90)),
		micros(h.ValueAtQuantile(99)), micros(h.Max()), micros(int64(h.Mean())))

	for status, n := range s.statuses {
		fmt.Fprintf(out, "status %d:  %d\n", status, n)
	}
	for msg, n := range s.errors {
		fmt.Fprintf(out, "error:      %d x %s\n", n, msg)
	}
	fmt.Fprintf(out, "pool:       live=%d idle=%d waiters=%d\n", pool.Live, pool.Idle, pool.Waiters)
}

func micros(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
