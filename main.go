package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/timsweb/amqplex/config"
	"github.com/timsweb/amqplex/health"
	"github.com/timsweb/amqplex/proxy"
)

func main() {
	configPath, upstreamURL, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(configPath, "AMQP")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if upstreamURL != "" {
		cfg.UpstreamURL = upstreamURL
	}

	logger := newLogger(cfg.LogLevel)

	p, err := proxy.NewProxy(cfg, logger)
	if err != nil {
		logger.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	go serveAdmin(cfg, p, logger)

	go func() {
		if err := p.Start(); err != nil {
			logger.Error("proxy stopped", "error", err)
		}
	}()

	awaitShutdown(p, logger)
}

// newLogger builds the process-wide slog.Logger, defaulting to info level
// on an unrecognized value.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// serveAdmin mounts /healthz and /metrics on the configured admin port.
func serveAdmin(cfg *config.Config, p *proxy.Proxy, logger *slog.Logger) {
	port := cfg.AdminPort
	if port == 0 {
		port = 9099
	}
	addr := fmt.Sprintf("%s:%d", cfg.ListenAddress, port)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.NewHealthHandler())
	mux.Handle("/metrics", p.MetricsHandler())

	logger.Info("admin server listening", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("admin server stopped", "error", err)
	}
}

// awaitShutdown implements the two-stage graceful shutdown choreography:
// the first SIGINT/SIGTERM stops accepting new clients, the second forcibly
// disconnects everyone still connected.
func awaitShutdown(p *proxy.Proxy, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	logger.Info("shutdown signal received, no longer accepting new clients")
	p.Stop()

	<-sigCh
	logger.Info("second shutdown signal received, disconnecting all clients")
	p.ForceDisconnectAll()
}

func parseFlags(args []string) (string, string, error) {
	flagSet := flag.NewFlagSet("amqplex", flag.ContinueOnError)
	configPtr := flagSet.String("config", "", "Path to config file")

	err := flagSet.Parse(args)
	if err != nil {
		return "", "", err
	}

	remaining := flagSet.Args()
	if len(remaining) > 1 {
		return "", "", fmt.Errorf("too many arguments")
	}

	var upstreamURL string
	if len(remaining) == 1 {
		upstreamURL = remaining[0]
	}

	return *configPtr, upstreamURL, nil
}
