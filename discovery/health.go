package discovery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/errors"
)

// HealthStatus summarizes one health check cycle.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// CheckResult is one probe inside a health cycle.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// HealthResult is the outcome of one health check cycle for an agent.
type HealthResult struct {
	AgentID      string        `json:"agent_id"`
	Status       HealthStatus  `json:"status"`
	Checks       []CheckResult `json:"checks,omitempty"`
	HealthScore  float64       `json:"health_score"` // passed / total
	ResponseTime time.Duration `json:"response_time"`
	Timestamp    time.Time     `json:"timestamp"`
}

// HealthChange carries the before and after result to subscribers.
// Before is nil on the first check.
type HealthChange struct {
	AgentID string        `json:"agent_id"`
	Before  *HealthResult `json:"before,omitempty"`
	After   HealthResult  `json:"after"`
}

// HealthHandler receives health change notifications.
type HealthHandler func(HealthChange)

// HealthChecker probes one agent. Implementations returning an error are
// recorded as unhealthy rather than propagated.
type HealthChecker interface {
	Check(agent AgentDescriptor, presence *PresenceInfo) ([]CheckResult, error)
}

// presenceChecker is the default checker: an agent is healthy when its
// last reported presence is online, degraded when away or silent, and
// unhealthy when offline.
type presenceChecker struct{}

func (presenceChecker) Check(agent AgentDescriptor, presence *PresenceInfo) ([]CheckResult, error) {
	if presence == nil {
		return []CheckResult{{Name: "presence", Passed: false, Details: "no presence reported"}}, nil
	}
	switch presence.Status {
	case PresenceOnline:
		return []CheckResult{{Name: "presence", Passed: true}}, nil
	case PresenceAway:
		return []CheckResult{
			{Name: "presence", Passed: true, Details: "away"},
			{Name: "availability", Passed: false, Details: "agent away"},
		}, nil
	default:
		return []CheckResult{{Name: "presence", Passed: false, Details: "agent offline"}}, nil
	}
}

// healthRing is a bounded, time-ordered history of health results.
type healthRing struct {
	results []HealthResult
	size    int
	next    int
	full    bool
}

func newHealthRing(size int) *healthRing {
	if size <= 0 {
		size = 32
	}
	return &healthRing{results: make([]HealthResult, size), size: size}
}

func (r *healthRing) add(res HealthResult) {
	r.results[r.next] = res
	r.next = (r.next + 1) % r.size
	if r.next == 0 {
		r.full = true
	}
}

// latest returns the most recent result, or nil when empty.
func (r *healthRing) latest() *HealthResult {
	idx := r.next - 1
	if idx < 0 {
		if !r.full {
			return nil
		}
		idx = r.size - 1
	}
	res := r.results[idx]
	if res.Timestamp.IsZero() {
		return nil
	}
	return &res
}

// history returns results oldest-first.
func (r *healthRing) history() []HealthResult {
	var out []HealthResult
	if r.full {
		out = append(out, r.results[r.next:]...)
	}
	out = append(out, r.results[:r.next]...)
	// Drop zero slots from a never-filled ring.
	live := out[:0]
	for _, res := range out {
		if !res.Timestamp.IsZero() {
			live = append(live, res)
		}
	}
	return live
}

// PerformHealthCheck probes one agent, appends the result to its bounded
// history, and notifies health subscribers with the before/after state.
// A checker error is recorded as unhealthy, never returned.
func (s *Service) PerformHealthCheck(agentID string) (*HealthResult, error) {
	s.mu.RLock()
	rec, ok := s.agents[agentID]
	var agent AgentDescriptor
	var presence *PresenceInfo
	if ok {
		agent = rec.descriptor
		presence = rec.presence
	}
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("agent %s not found", agentID))
	}

	started := time.Now()
	checks, err := s.checker.Check(agent, presence)
	result := HealthResult{
		AgentID:      agentID,
		Checks:       checks,
		ResponseTime: time.Since(started),
		Timestamp:    time.Now(),
	}
	if err != nil {
		result.Checks = append(result.Checks,
			CheckResult{Name: "checker", Passed: false, Details: err.Error()})
	}
	result.HealthScore, result.Status = grade(result.Checks, err != nil)

	s.mu.Lock()
	rec, ok = s.agents[agentID]
	var before *HealthResult
	var handlers []HealthHandler
	if ok {
		before = rec.health.latest()
		rec.health.add(result)
		handlers = make([]HealthHandler, 0, len(s.healthSubs))
		for _, h := range s.healthSubs {
			handlers = append(handlers, h)
		}
	}
	s.mu.Unlock()

	s.met.HealthChecksRun.Inc()
	if before == nil || before.Status != result.Status {
		var beforeScore float64
		if before != nil {
			beforeScore = before.HealthScore
		}
		s.log.HealthChanged(agentID, beforeScore, result.HealthScore)
	}
	for _, h := range handlers {
		s.notifyHealth(h, HealthChange{AgentID: agentID, Before: before, After: result})
	}
	return &result, nil
}

// grade computes the health score and status from check outcomes.
func grade(checks []CheckResult, errored bool) (float64, HealthStatus) {
	if errored || len(checks) == 0 {
		return 0, HealthUnhealthy
	}
	passed := 0
	for _, c := range checks {
		if c.Passed {
			passed++
		}
	}
	score := float64(passed) / float64(len(checks))
	switch {
	case score == 1:
		return score, HealthHealthy
	case score > 0:
		return score, HealthDegraded
	default:
		return score, HealthUnhealthy
	}
}

// PerformBulkHealthCheck probes every actively registered agent. A
// failing or missing record is skipped; the rest proceed.
func (s *Service) PerformBulkHealthCheck() []HealthResult {
	agents := s.activeDescriptors()
	out := make([]HealthResult, 0, len(agents))
	for _, agent := range agents {
		res, err := s.PerformHealthCheck(agent.ID)
		if err != nil {
			continue // deregistered between snapshot and check
		}
		out = append(out, *res)
	}
	return out
}

// GetHealthHistory returns an agent's bounded health history, oldest
// first.
func (s *Service) GetHealthHistory(agentID string) ([]HealthResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("agent %s not found", agentID))
	}
	return rec.health.history(), nil
}

// SubscribeToHealthChanges registers a handler for health results across
// all agents.
func (s *Service) SubscribeToHealthChanges(handler HealthHandler) (string, error) {
	if handler == nil {
		return "", errors.InvalidInput("nil handler")
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.InvalidState("discovery closed")
	}
	s.healthSubs[id] = handler
	return id, nil
}

// UnsubscribeFromHealthChanges removes a health handler.
func (s *Service) UnsubscribeFromHealthChanges(subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.healthSubs[subscriptionID]; !ok {
		return errors.NotFound(fmt.Sprintf("health subscription %s not found", subscriptionID))
	}
	delete(s.healthSubs, subscriptionID)
	return nil
}

// notifyHealth invokes one handler with panic isolation.
func (s *Service) notifyHealth(h HealthHandler, change HealthChange) {
	defer func() {
		if r := recover(); r != nil {
			s.log.HandlerPanic("health", r)
		}
	}()
	h(change)
}

// runHealthCycle is the background sweep's health pass.
func (s *Service) runHealthCycle() {
	s.PerformBulkHealthCheck()
}
