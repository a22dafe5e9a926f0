// Package cli is the hostclient command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"hostclient/application/http"
	"hostclient/application/http/actor/client"
	"hostclient/transport/tcp"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hostclient",
	Short: "Pooled HTTP/1.1 client for a single host",
	Long: `hostclient talks HTTP/1.1 to one host:port through a bounded connection
pool, with optional pipelining, keep-alive, TLS and WebSocket upgrade.

Examples:
  hostclient get /status --host example.com --port 443 --ssl
  hostclient bench / --requests 10000 --concurrency 64 --pipelining
  hostclient ws /echo "hello" --config client.yaml`,
	Version:       "dev",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var global struct {
	configPath string
	host       string
	port       uint16
	ssl        bool
	trustAll   bool
	poolSize   uint
	pipelining bool
	keepAlive  bool
	verbose    bool
	headers    []string
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	f := rootCmd.PersistentFlags()
	f.StringVarP(&global.configPath, "config", "c", "", "Path to a YAML client configuration")
	f.StringVar(&global.host, "host", "localhost", "Server host")
	f.Uint16VarP(&global.port, "port", "p", 80, "Server port")
	f.BoolVar(&global.ssl, "ssl", false, "Use TLS")
	f.BoolVar(&global.trustAll, "trust-all", false, "Skip server certificate verification")
	f.UintVar(&global.poolSize, "pool", 5, "Maximum number of pooled connections")
	f.BoolVar(&global.pipelining, "pipelining", false, "Pipeline requests on each connection")
	f.BoolVar(&global.keepAlive, "keep-alive", true, "Reuse connections between requests")
	f.BoolVarP(&global.verbose, "verbose", "v", false, "Log connection events to stderr")
	f.StringArrayVarP(&global.headers, "header", "H", nil, `Extra request header, "Name: value"`)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func SetVersion(v string) { rootCmd.Version = v }

// loadConfig reads --config, then applies the flags that were set explicitly.
func loadConfig() (*client.Config, error) {
	cfg := client.NewConfig()
	if global.configPath != "" {
		loaded, err := client.LoadConfig(global.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("host") || global.configPath == "" {
		cfg.SetHost(global.host)
	}
	if flags.Changed("port") || global.configPath == "" {
		cfg.SetPort(global.port)
	}
	if flags.Changed("ssl") {
		cfg.SetSSL(global.ssl)
	}
	if flags.Changed("trust-all") {
		cfg.SetTrustAll(global.trustAll)
	}
	if flags.Changed("pool") {
		cfg.SetMaxPoolSize(global.poolSize)
	}
	if flags.Changed("pipelining") {
		cfg.SetPipelining(global.pipelining)
	}
	if flags.Changed("keep-alive") {
		cfg.SetKeepAlive(global.keepAlive)
	}

	return cfg, cfg.Validate()
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if global.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func socketOptions(cfg *client.Config) tcp.Options {
	return tcp.Options{
		NoDelay:           cfg.NoDelay(),
		SendBufferSize:    cfg.SendBufferSize(),
		ReceiveBufferSize: cfg.ReceiveBufferSize(),
		KeepAlive:         cfg.TCPKeepAlive(),
		ReuseAddress:      cfg.ReuseAddress(),
		SoLinger:          cfg.SoLinger(),
		TrafficClass:      cfg.TrafficClass(),
	}
}

// newClient builds a client over real TCP from the flags.
func newClient(reg prometheus.Registerer) (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := newLogger()
	opts := client.DefaultOptions()
	opts.Registerer = reg
	c, err := client.New(cfg, tcp.NewDialer(socketOptions(cfg)), logger, clock.New(), opts)
	if err != nil {
		return nil, err
	}

	c.ExceptionHandler(func(err error) {
		logger.Error("connection failed", slog.Any("error", err))
	})
	return c, nil
}

func parseHeaders() (http.Headers, error) {
	var headers http.Headers
	for _, h := range global.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.Errorf("malformed header %q", h)
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return headers, nil
}

// shutdown closes c and waits until it drained.
func shutdown(c *client.Client) {
	c.Close()
	<-c.Done()
}
