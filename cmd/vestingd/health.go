// health.go - Health monitoring for the vesting daemon
package main

import (
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// SystemHealth represents the overall system health
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
	Height        uint64            `json:"height"`
}

// HealthChecker tracks the health of the daemon's components. Components
// registered with a checker are probed on every CheckHealth; the rest keep
// whatever status UpdateComponent last set.
type HealthChecker struct {
	mu         sync.Mutex
	components map[string]*ComponentHealth
	checkers   map[string]func() error
	startTime  time.Time
	version    string
	height     func() uint64
}

func NewHealthChecker(version string, height func() uint64) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]*ComponentHealth),
		checkers:   make(map[string]func() error),
		startTime:  time.Now(),
		version:    version,
		height:     height,
	}
}

// RegisterComponent registers a component. checker may be nil.
func (hc *HealthChecker) RegisterComponent(name string, checker func() error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.components[name] = &ComponentHealth{
		Name:      name,
		Status:    Healthy,
		Message:   "registered",
		LastCheck: time.Now(),
	}
	if checker != nil {
		hc.checkers[name] = checker
	}
}

// UpdateComponent sets the status of a registered component.
func (hc *HealthChecker) UpdateComponent(name string, status HealthStatus, message string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if component, ok := hc.components[name]; ok {
		component.Status = status
		component.Message = message
		component.LastCheck = time.Now()
	}
}

// CheckHealth probes every component that has a checker.
func (hc *HealthChecker) CheckHealth() *SystemHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	for name, checker := range hc.checkers {
		component := hc.components[name]
		start := time.Now()
		err := checker()
		component.Latency = time.Since(start)
		component.LastCheck = time.Now()
		if err != nil {
			component.Status = Unhealthy
			component.Message = err.Error()
		} else {
			component.Status = Healthy
			component.Message = "OK"
		}
	}
	return hc.snapshot()
}

// GetHealth returns the last known status without probing.
func (hc *HealthChecker) GetHealth() *SystemHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.snapshot()
}

func (hc *HealthChecker) snapshot() *SystemHealth {
	overall := Healthy
	components := make([]ComponentHealth, 0, len(hc.components))
	for _, component := range hc.components {
		switch {
		case component.Status == Unhealthy:
			overall = Unhealthy
		case component.Status == Degraded && overall == Healthy:
			overall = Degraded
		}
		components = append(components, *component)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	h := &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
	if hc.height != nil {
		h.Height = hc.height()
	}
	return h
}

// HealthCheckResponse represents the response format for health check endpoints
type HealthCheckResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Data    *SystemHealth `json:"data,omitempty"`
}

func CreateHealthResponse(health *SystemHealth) *HealthCheckResponse {
	switch health.OverallStatus {
	case Unhealthy:
		return &HealthCheckResponse{Status: "error", Message: "System is unhealthy", Data: health}
	case Degraded:
		return &HealthCheckResponse{Status: "warning", Message: "System is degraded", Data: health}
	default:
		return &HealthCheckResponse{Status: "success", Message: "System is healthy", Data: health}
	}
}

// Handler adapts the checker to the API's health hook. Degraded still
// answers 200.
func (hc *HealthChecker) Handler() func() (bool, interface{}) {
	return func() (bool, interface{}) {
		h := hc.CheckHealth()
		return h.OverallStatus != Unhealthy, CreateHealthResponse(h)
	}
}
