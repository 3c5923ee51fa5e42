// Package discovery tracks agent registrations with lease/TTL semantics,
// capability and type matching, presence, health checking, load-aware
// selection, and a service endpoint directory.
//
// A background sweep expires registrations past their lease and runs
// periodic health checks. One bad record never aborts a sweep or a query;
// it is skipped and the rest proceed.
package discovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/config"
	"github.com/govkit/govkit/errors"
	"github.com/govkit/govkit/logging"
	"github.com/govkit/govkit/metrics"
)

// RegistrationStatus is the lifecycle state of a registration.
type RegistrationStatus string

const (
	RegistrationActive  RegistrationStatus = "active"
	RegistrationExpired RegistrationStatus = "expired"
	RegistrationRevoked RegistrationStatus = "revoked"
)

// ReasonExpired is recorded when the sweep deregisters a lapsed lease.
const ReasonExpired = "registration_expired"

// Capability describes one thing an agent can do.
type Capability struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Version  string `json:"version,omitempty"`
}

// GeoLocation is a coarse agent position for distance-aware matching.
type GeoLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AgentDescriptor is the discoverable description of an agent.
type AgentDescriptor struct {
	ID               string        `json:"id"`
	Type             string        `json:"type"`
	Capabilities     []Capability  `json:"capabilities,omitempty"`
	PerformanceScore float64       `json:"performance_score"` // 0..1
	ResponseTime     time.Duration `json:"response_time"`
	CurrentLoad      int           `json:"current_load"`
	Location         *GeoLocation  `json:"location,omitempty"`
}

// Registration is an agent's lease on the directory.
type Registration struct {
	AgentID        string             `json:"agent_id"`
	RegistrationID string             `json:"registration_id"`
	Status         RegistrationStatus `json:"status"`
	Reason         string             `json:"reason,omitempty"` // set on revoke/expire
	Tags           []string           `json:"tags,omitempty"`
	RegisteredAt   time.Time          `json:"registered_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
}

// agentRecord is everything the directory knows about one agent.
type agentRecord struct {
	descriptor   AgentDescriptor
	registration Registration
	presence     *PresenceInfo
	endpoints    map[string]*ServiceEndpoint
	health       *healthRing
}

// Service is the discovery directory. Use New; close with Close.
type Service struct {
	cfg config.DiscoveryConfig
	log *logging.Logger
	met *metrics.Metrics

	mu     sync.RWMutex
	agents map[string]*agentRecord
	closed bool

	presenceSubs map[string]PresenceHandler
	healthSubs   map[string]HealthHandler

	rrMu      sync.Mutex
	rrCursors map[string]int

	checker HealthChecker

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Options configures a discovery Service.
type Options struct {
	// Config supplies tunables. Zero value uses defaults.
	Config config.DiscoveryConfig

	// Logger for lifecycle output. Defaults to a new logger.
	Logger *logging.Logger

	// Metrics collectors. Defaults to unregistered collectors.
	Metrics *metrics.Metrics

	// Checker probes agent health. Defaults to a presence-based checker.
	Checker HealthChecker
}

// New creates a Service and starts its background sweep.
func New(opts Options) *Service {
	cfg := opts.Config
	if cfg.DefaultTTL.Duration() <= 0 {
		cfg = config.Default().Discovery
	}
	log := opts.Logger
	if log == nil {
		log = logging.New()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.Nop()
	}
	checker := opts.Checker
	if checker == nil {
		checker = presenceChecker{}
	}

	s := &Service{
		cfg:          cfg,
		log:          log.WithComponent("discovery"),
		met:          met,
		agents:       make(map[string]*agentRecord),
		presenceSubs: make(map[string]PresenceHandler),
		healthSubs:   make(map[string]HealthHandler),
		rrCursors:    make(map[string]int),
		checker:      checker,
		sweepStop:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// RegisterRequest describes a new registration.
type RegisterRequest struct {
	Agent AgentDescriptor `json:"agent"`
	TTL   time.Duration   `json:"ttl,omitempty"` // 0 uses the configured default
	Tags  []string        `json:"tags,omitempty"`
}

// Register adds an agent to the directory. An agent id with an active
// registration cannot register again; renew or deregister first.
func (s *Service) Register(req RegisterRequest) (*Registration, error) {
	if req.Agent.ID == "" {
		return nil, errors.InvalidInput("agent has no id")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL.Duration()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.InvalidState("discovery closed")
	}
	if rec, ok := s.agents[req.Agent.ID]; ok && rec.registration.Status == RegistrationActive {
		return nil, errors.New(errors.ErrCodeAlreadyExists,
			fmt.Sprintf("agent %s already has an active registration", req.Agent.ID))
	}

	now := time.Now()
	reg := Registration{
		AgentID:        req.Agent.ID,
		RegistrationID: uuid.NewString(),
		Status:         RegistrationActive,
		Tags:           req.Tags,
		RegisteredAt:   now,
		ExpiresAt:      now.Add(ttl),
	}
	s.agents[req.Agent.ID] = &agentRecord{
		descriptor:   req.Agent,
		registration: reg,
		endpoints:    make(map[string]*ServiceEndpoint),
		health:       newHealthRing(s.cfg.HealthHistorySize),
	}

	s.met.AgentsRegistered.Inc()
	s.log.AgentRegistered(req.Agent.ID, req.Agent.Type, ttl)
	return &reg, nil
}

// UpdateRegistration replaces the stored descriptor for an active agent.
// The lease is unchanged; use Renew to extend it.
func (s *Service) UpdateRegistration(agent AgentDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.activeLocked(agent.ID)
	if err != nil {
		return err
	}
	rec.descriptor = agent
	return nil
}

// Deregister revokes an agent's registration with a reason.
func (s *Service) Deregister(agentID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.activeLocked(agentID)
	if err != nil {
		return err
	}
	rec.registration.Status = RegistrationRevoked
	rec.registration.Reason = reason

	s.met.AgentsRegistered.Dec()
	s.log.AgentDeregistered(agentID, reason)
	return nil
}

// Renew extends an active registration's lease. A zero ttl uses the
// configured default.
func (s *Service) Renew(agentID string, ttl time.Duration) (*Registration, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL.Duration()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.activeLocked(agentID)
	if err != nil {
		return nil, err
	}
	rec.registration.ExpiresAt = time.Now().Add(ttl)
	reg := rec.registration
	return &reg, nil
}

// GetRegistration returns the current registration for an agent,
// including terminal ones.
func (s *Service) GetRegistration(agentID string) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("agent %s not found", agentID))
	}
	reg := rec.registration
	return &reg, nil
}

// activeLocked fetches a record that must be actively registered.
// Caller holds s.mu.
func (s *Service) activeLocked(agentID string) (*agentRecord, error) {
	if agentID == "" {
		return nil, errors.InvalidInput("empty agent id")
	}
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("agent %s not found", agentID))
	}
	if rec.registration.Status != RegistrationActive {
		return nil, errors.InvalidState(
			fmt.Sprintf("agent %s registration is %s", agentID, rec.registration.Status))
	}
	return rec, nil
}

// activeDescriptors snapshots the descriptors of all actively registered
// agents. Bad or terminal records are skipped, never an error.
func (s *Service) activeDescriptors() []AgentDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentDescriptor, 0, len(s.agents))
	for _, rec := range s.agents {
		if rec == nil || rec.registration.Status != RegistrationActive {
			continue
		}
		out = append(out, rec.descriptor)
	}
	return out
}

// AddCapability attaches a capability to an agent, replacing any existing
// capability with the same name. Capability changes are independent of
// the registration lease.
func (s *Service) AddCapability(agentID string, cap Capability) error {
	if cap.Name == "" {
		return errors.InvalidInput("capability has no name")
	}
	if cap.ID == "" {
		cap.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return errors.NotFound(fmt.Sprintf("agent %s not found", agentID))
	}
	for i, existing := range rec.descriptor.Capabilities {
		if existing.Name == cap.Name {
			rec.descriptor.Capabilities[i] = cap
			return nil
		}
	}
	rec.descriptor.Capabilities = append(rec.descriptor.Capabilities, cap)
	return nil
}

// RemoveCapability detaches a named capability from an agent.
func (s *Service) RemoveCapability(agentID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return errors.NotFound(fmt.Sprintf("agent %s not found", agentID))
	}
	for i, cap := range rec.descriptor.Capabilities {
		if cap.Name == name {
			rec.descriptor.Capabilities = append(
				rec.descriptor.Capabilities[:i], rec.descriptor.Capabilities[i+1:]...)
			return nil
		}
	}
	return errors.NotFound(fmt.Sprintf("agent %s has no capability %s", agentID, name))
}

// ListCapabilities returns an agent's current capabilities.
func (s *Service) ListCapabilities(agentID string) ([]Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("agent %s not found", agentID))
	}
	out := make([]Capability, len(rec.descriptor.Capabilities))
	copy(out, rec.descriptor.Capabilities)
	return out, nil
}

// sweepLoop periodically expires lapsed leases and runs health checks.
func (s *Service) sweepLoop() {
	defer close(s.sweepDone)

	sweepEvery := s.cfg.SweepInterval.Duration()
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	healthEvery := s.cfg.HealthCheckInterval.Duration()
	if healthEvery <= 0 {
		healthEvery = time.Minute
	}

	sweep := time.NewTicker(sweepEvery)
	health := time.NewTicker(healthEvery)
	defer sweep.Stop()
	defer health.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-sweep.C:
			s.expireLapsed(time.Now())
		case <-health.C:
			s.runHealthCycle()
		}
	}
}

// expireLapsed transitions registrations past their lease to expired.
func (s *Service) expireLapsed(now time.Time) {
	s.mu.Lock()
	var expired []string
	for id, rec := range s.agents {
		if rec == nil {
			continue
		}
		if rec.registration.Status == RegistrationActive && rec.registration.ExpiresAt.Before(now) {
			rec.registration.Status = RegistrationExpired
			rec.registration.Reason = ReasonExpired
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.met.AgentsRegistered.Dec()
		s.log.AgentDeregistered(id, ReasonExpired)
	}
}

// Close stops the background sweep. Directory reads keep working so
// in-flight consumers can drain.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.sweepStop)
	<-s.sweepDone
	return nil
}
