// main.go - vestingd serves a confidential vesting node over HTTP.
//
// Usage:
//
//	vestingd -config vestingd.yaml [-bind addr] [-data dir] [-debug]
//
// The config file is created with defaults on first start.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"confidentialvesting/internal/api"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/node"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "vestingd.yaml", "path to the YAML config file")
	bind := flag.String("bind", "", "listen address, overrides the config")
	dataDir := flag.String("data", "", "state directory, overrides the config")
	debug := flag.Bool("debug", false, "enable pprof and debug logging")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vestingd: %v\n", err)
		os.Exit(1)
	}
	if *bind != "" {
		config.Bind = *bind
	}
	if *dataDir != "" {
		config.DataDir = *dataDir
	}
	if *debug {
		config.Debug = true
		config.LogLevel = "debug"
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "vestingd: invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := NewLogger(config.LogLevel, config.LogFile, config.AuditLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vestingd: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	if err := run(config, log); err != nil {
		log.WithError(err).Error("vestingd stopped")
		log.Close()
		os.Exit(1)
	}
}

// nodeConfig resolves the deployment: tokens without an owner go to the
// operator key.
func nodeConfig(config *Config, log *logrus.Logger) (node.Config, error) {
	tokens := make([]node.TokenConfig, len(config.Tokens))
	copy(tokens, config.Tokens)
	for i := range tokens {
		if !tokens[i].Owner.IsZero() {
			continue
		}
		if config.OperatorKey == "" {
			return node.Config{}, fmt.Errorf("token %s has no owner and no operator key is configured", tokens[i].Symbol)
		}
		operator, err := identity.LoadOrCreateSigner(config.OperatorKey)
		if err != nil {
			return node.Config{}, fmt.Errorf("operator key: %w", err)
		}
		tokens[i].Owner = operator.Address()
	}
	return node.Config{
		DataDir:    config.DataDir,
		KeyDir:     config.KeyDir,
		ProofBits:  config.ProofBits,
		Ceilings:   config.Ceilings,
		Tokens:     tokens,
		Vesting:    config.Vesting,
		SyncWrites: config.SyncWrites,
		Clock:      chain.SystemClock{},
		Logger:     log,
	}, nil
}

// newServer wires health, metrics and rate limiting around the node's API.
func newServer(config *Config, n *node.Node, log *Logger) (*api.Server, *HealthChecker) {
	health := NewHealthChecker(version, n.Chain.Height)
	health.RegisterComponent("store", n.Store.Ping)
	health.RegisterComponent("api", nil)

	metrics := NewMetricsCollector()
	started := time.Now()

	var middleware []fiber.Handler
	if config.RateLimit.Max > 0 {
		middleware = append(middleware, newRateLimiter(config.RateLimit))
	}

	srv := api.New(api.Config{
		Node:   n,
		Logger: log.Logger,
		Health: health.Handler(),
		Metrics: func() interface{} {
			metrics.RecordFHEOps(n.Coprocessor.Stats())
			metrics.SetGauge(MetricChainHeight, float64(n.Chain.Height()), nil)
			metrics.SetGauge(MetricUptime, time.Since(started).Seconds(), nil)
			return metrics.GetMetricsSummary()
		},
		Middleware: middleware,
		OnCall: func(method string, took time.Duration, err error) {
			metrics.RecordCall(method, took, err)
			details := logrus.Fields{"method": method, "took": took.String()}
			if err != nil {
				details["error"] = err.Error()
			}
			log.Audit("tx", details)
		},
		Debug:     config.Debug,
		BodyLimit: config.BodyLimit,
	})
	return srv, health
}

func run(config *Config, log *Logger) error {
	nc, err := nodeConfig(config, log.Logger)
	if err != nil {
		return err
	}
	n, err := node.New(nc)
	if err != nil {
		return err
	}
	defer n.Close()

	log.Audit("start", logrus.Fields{
		"version": version,
		"bind":    config.Bind,
		"vesting": n.Vesting.Address().String(),
		"height":  n.Chain.Height(),
	})

	srv, health := newServer(config, n, log)
	errc := make(chan error, 1)
	go func() { errc <- srv.Listen(config.Bind) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errc:
		health.UpdateComponent("api", Unhealthy, "listener stopped")
		return err
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down")
		health.UpdateComponent("api", Unhealthy, "shutting down")
	}
	if err := srv.Shutdown(); err != nil {
		return err
	}
	log.Audit("stop", logrus.Fields{"height": n.Chain.Height()})
	return nil
}
