// Package api serves the node over HTTP.
//
// State-changing calls arrive as signed envelopes on POST /v1/tx. Reads
// that reveal anything are POSTs carrying the caller's permission and return
// values sealed to the permission's key.
package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"confidentialvesting/internal/node"
)

// CallObserver is told about every submitted envelope.
type CallObserver func(method string, took time.Duration, err error)

type Config struct {
	Node   *node.Node
	Logger logrus.FieldLogger
	// Health renders GET /healthcheck. It reports whether the node is
	// healthy and the body to send.
	Health func() (bool, interface{})
	// Metrics renders GET /metrics.
	Metrics func() interface{}
	// Middleware runs in front of the /v1 routes.
	Middleware []fiber.Handler
	OnCall     CallObserver
	Debug      bool
	BodyLimit  int
}

type Server struct {
	node   *node.Node
	log    logrus.FieldLogger
	config Config
	app    *fiber.App
}

func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.BodyLimit == 0 {
		config.BodyLimit = 4 << 20
	}
	s := &Server{node: config.Node, log: config.Logger, config: config}
	s.app = fiber.New(fiber.Config{
		AppName:               "vestingd",
		ErrorHandler:          errorHandler(config.Logger),
		BodyLimit:             config.BodyLimit,
		DisableStartupMessage: true,
	})
	s.routes()
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.WithField("bind", addr).Info("api listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) routes() {
	app := s.app
	app.Use(recover.New())
	if s.config.Debug {
		app.Use(pprof.New())
	}

	app.Get("/healthcheck", s.healthcheck)
	app.Get("/metrics", s.metrics)

	v1 := app.Group("/v1", func(c *fiber.Ctx) error {
		c.Accepts("application/json")
		start := time.Now()
		err := c.Next()
		c.Append("Server-Timing", "app;dur="+time.Since(start).String())
		return err
	})
	for _, h := range s.config.Middleware {
		v1.Use(h)
	}

	v1.Get("/network/key", s.networkKey)
	v1.Post("/tx", s.submit)
	v1.Get("/events", s.events)

	v1.Get("/schedules/:beneficiary/:token", s.schedule)
	v1.Post("/schedules/:beneficiary/:token/sealed/:field", s.sealedField)
	v1.Post("/schedules/:beneficiary/:token/vested", s.sealedVested)

	v1.Get("/tokens/:token/balances/:holder", s.balance)
	v1.Post("/tokens/:token/balances/:holder/sealed", s.sealedBalance)
}
