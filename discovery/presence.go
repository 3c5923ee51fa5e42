package discovery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/errors"
)

// PresenceStatus is an agent's availability state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceInfo is an agent's self-reported availability.
type PresenceInfo struct {
	AgentID        string         `json:"agent_id"`
	Status         PresenceStatus `json:"status"`
	Location       string         `json:"location,omitempty"`
	CurrentTasks   int            `json:"current_tasks"`
	AvailableUntil time.Time      `json:"available_until,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PresenceChange carries the before and after state to subscribers.
// Before is nil on the first report.
type PresenceChange struct {
	AgentID string        `json:"agent_id"`
	Before  *PresenceInfo `json:"before,omitempty"`
	After   PresenceInfo  `json:"after"`
}

// PresenceHandler receives presence change notifications.
type PresenceHandler func(PresenceChange)

// UpdatePresence upserts an agent's presence and notifies subscribers
// when the status or task load changed.
func (s *Service) UpdatePresence(info PresenceInfo) error {
	if info.AgentID == "" {
		return errors.InvalidInput("presence has no agent id")
	}
	switch info.Status {
	case PresenceOnline, PresenceAway, PresenceOffline:
	default:
		return errors.InvalidInput(fmt.Sprintf("unknown presence status %q", info.Status))
	}
	info.UpdatedAt = time.Now()

	s.mu.Lock()
	rec, ok := s.agents[info.AgentID]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound(fmt.Sprintf("agent %s not found", info.AgentID))
	}
	before := rec.presence
	rec.presence = &info

	changed := before == nil ||
		before.Status != info.Status ||
		before.CurrentTasks != info.CurrentTasks
	var handlers []PresenceHandler
	if changed {
		handlers = make([]PresenceHandler, 0, len(s.presenceSubs))
		for _, h := range s.presenceSubs {
			handlers = append(handlers, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		s.notifyPresence(h, PresenceChange{AgentID: info.AgentID, Before: before, After: info})
	}
	return nil
}

// GetPresence returns an agent's last reported presence.
func (s *Service) GetPresence(agentID string) (*PresenceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("agent %s not found", agentID))
	}
	if rec.presence == nil {
		return nil, errors.NotFound(fmt.Sprintf("agent %s has no presence", agentID))
	}
	info := *rec.presence
	return &info, nil
}

// SubscribeToPresence registers a handler for presence changes across
// all agents.
func (s *Service) SubscribeToPresence(handler PresenceHandler) (string, error) {
	if handler == nil {
		return "", errors.InvalidInput("nil handler")
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.InvalidState("discovery closed")
	}
	s.presenceSubs[id] = handler
	return id, nil
}

// UnsubscribeFromPresence removes a presence handler.
func (s *Service) UnsubscribeFromPresence(subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presenceSubs[subscriptionID]; !ok {
		return errors.NotFound(fmt.Sprintf("presence subscription %s not found", subscriptionID))
	}
	delete(s.presenceSubs, subscriptionID)
	return nil
}

// notifyPresence invokes one handler with panic isolation.
func (s *Service) notifyPresence(h PresenceHandler, change PresenceChange) {
	defer func() {
		if r := recover(); r != nil {
			s.log.HandlerPanic("presence", r)
		}
	}()
	h(change)
}
