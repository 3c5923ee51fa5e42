package discovery

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/govkit/govkit/errors"
)

// ServiceEndpoint is a network endpoint an agent exposes under a service
// name.
type ServiceEndpoint struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	ServiceName string `json:"service_name"`
	Protocol    string `json:"protocol"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Path        string `json:"path,omitempty"`
}

// RegisterEndpoint attaches a service endpoint to an actively registered
// agent and returns it with an assigned id.
func (s *Service) RegisterEndpoint(ep ServiceEndpoint) (*ServiceEndpoint, error) {
	if ep.AgentID == "" || ep.ServiceName == "" {
		return nil, errors.InvalidInput("endpoint needs an agent id and a service name")
	}
	if ep.Host == "" || ep.Port <= 0 {
		return nil, errors.InvalidInput("endpoint needs a host and port")
	}
	ep.ID = uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.activeLocked(ep.AgentID)
	if err != nil {
		return nil, err
	}
	rec.endpoints[ep.ID] = &ep
	out := ep
	return &out, nil
}

// UpdateEndpoint replaces a stored endpoint by id.
func (s *Service) UpdateEndpoint(ep ServiceEndpoint) error {
	if ep.ID == "" {
		return errors.InvalidInput("endpoint has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[ep.AgentID]
	if !ok {
		return errors.NotFound(fmt.Sprintf("agent %s not found", ep.AgentID))
	}
	if _, exists := rec.endpoints[ep.ID]; !exists {
		return errors.NotFound(fmt.Sprintf("endpoint %s not found", ep.ID))
	}
	rec.endpoints[ep.ID] = &ep
	return nil
}

// DeregisterEndpoint removes an endpoint from an agent.
func (s *Service) DeregisterEndpoint(agentID, endpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return errors.NotFound(fmt.Sprintf("agent %s not found", agentID))
	}
	if _, exists := rec.endpoints[endpointID]; !exists {
		return errors.NotFound(fmt.Sprintf("endpoint %s not found", endpointID))
	}
	delete(rec.endpoints, endpointID)
	return nil
}

// ListEndpoints returns all endpoints an agent exposes.
func (s *Service) ListEndpoints(agentID string) ([]ServiceEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("agent %s not found", agentID))
	}
	out := make([]ServiceEndpoint, 0, len(rec.endpoints))
	for _, ep := range rec.endpoints {
		out = append(out, *ep)
	}
	return out, nil
}

// DiscoverServiceEndpoints returns every endpoint registered under a
// service name across actively registered agents.
func (s *Service) DiscoverServiceEndpoints(serviceName string) ([]ServiceEndpoint, error) {
	if serviceName == "" {
		return nil, errors.InvalidInput("empty service name")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ServiceEndpoint
	for _, rec := range s.agents {
		if rec.registration.Status != RegistrationActive {
			continue
		}
		for _, ep := range rec.endpoints {
			if ep.ServiceName == serviceName {
				out = append(out, *ep)
			}
		}
	}
	return out, nil
}
