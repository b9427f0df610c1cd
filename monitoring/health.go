package monitoring

import (
	"sync"
	"time"
)

// HealthChecker runs registered dependency checks for the health endpoint.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]func() error),
	}
}

// RegisterCheck adds a named health check
func (hc *HealthChecker) RegisterCheck(name string, check func() error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// CheckResult is the outcome of a single registered check.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// RunChecks executes all registered checks and reports overall health.
func (hc *HealthChecker) RunChecks() (bool, map[string]CheckResult) {
	hc.mu.RLock()
	checks := make(map[string]func() error, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	healthy := true

	for name, check := range checks {
		start := time.Now()
		err := check()
		result := CheckResult{
			Healthy:  err == nil,
			Duration: time.Since(start).String(),
		}
		if err != nil {
			result.Error = err.Error()
			healthy = false
		}
		results[name] = result
	}

	return healthy, results
}
