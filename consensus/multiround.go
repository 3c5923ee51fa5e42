package consensus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/errors"
)

// RoundSpec describes one phase of a multi-round consensus.
type RoundSpec struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration,omitempty"` // 0 uses the default deadline
	Quorum   float64       `json:"quorum,omitempty"`   // 0 uses the configured fraction
}

// MultiRoundSession chains sequential voting rounds over one proposal.
// Each round is a full consensus session; the next round opens only
// after the current one reaches a terminal state.
type MultiRoundSession struct {
	ID           string        `json:"id"`
	Proposal     Proposal      `json:"proposal"`
	Participants []string      `json:"participants"`
	Rounds       []RoundSpec   `json:"rounds"`
	SessionIDs   []string      `json:"session_ids"`
	CurrentRound int           `json:"current_round"` // index into Rounds
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// CreateMultiRound opens a multi-round consensus and starts its first
// round immediately.
func (c *Coordinator) CreateMultiRound(proposal Proposal, rounds []RoundSpec, participants []string) (*MultiRoundSession, error) {
	if len(rounds) == 0 {
		return nil, errors.InvalidInput("multi-round consensus needs rounds")
	}

	mr := &MultiRoundSession{
		ID:           uuid.NewString(),
		Proposal:     proposal,
		Participants: append([]string(nil), participants...),
		Rounds:       append([]RoundSpec(nil), rounds...),
		Status:       StatusActive,
		CreatedAt:    time.Now(),
	}

	first, err := c.startRound(mr, 0)
	if err != nil {
		return nil, err
	}
	mr.SessionIDs = []string{first.ID}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.InvalidState("coordinator closed")
	}
	c.rounds[mr.ID] = mr
	c.mu.Unlock()

	cp := *mr
	return &cp, nil
}

// startRound opens the consensus session backing one round.
func (c *Coordinator) startRound(mr *MultiRoundSession, idx int) (*Session, error) {
	spec := mr.Rounds[idx]
	opts := SessionOptions{Quorum: spec.Quorum}
	if spec.Duration > 0 {
		opts.Deadline = time.Now().Add(spec.Duration)
	}

	proposal := mr.Proposal
	proposal.Title = fmt.Sprintf("%s (round %d: %s)", mr.Proposal.Title, idx+1, spec.Name)
	return c.Initiate(proposal, mr.Participants, opts)
}

// AdvanceRound moves to the next round once the current round's session
// is terminal. When the current round was not approved, or it was the
// last round, the multi-round session finishes instead.
func (c *Coordinator) AdvanceRound(multiRoundID string) (*MultiRoundSession, error) {
	c.mu.Lock()
	mr, ok := c.rounds[multiRoundID]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NotFound(fmt.Sprintf("multi-round session %s not found", multiRoundID))
	}
	if mr.Status.terminal() {
		c.mu.Unlock()
		return nil, errors.SessionTerminal(multiRoundID, string(mr.Status))
	}

	currentID := mr.SessionIDs[len(mr.SessionIDs)-1]
	current, exists := c.sessions[currentID]
	if !exists {
		c.mu.Unlock()
		return nil, errors.SessionNotFound(currentID)
	}
	if !current.Status.terminal() {
		c.mu.Unlock()
		return nil, errors.InvalidState(
			fmt.Sprintf("round %d is still %s", mr.CurrentRound+1, current.Status),
			errors.WithSessionID(currentID))
	}

	// A round that was not approved ends the whole chain.
	approved := current.Status == StatusCompleted &&
		current.Result != nil && current.Result.Decision == DecisionApproved
	lastRound := mr.CurrentRound == len(mr.Rounds)-1
	if !approved || lastRound {
		mr.Status = current.Status
		cp := *mr
		c.mu.Unlock()
		c.emit("consensus.multiround.finished", mr.ID, map[string]interface{}{
			"rounds_run": len(mr.SessionIDs),
			"status":     string(cp.Status),
		})
		return &cp, nil
	}

	mr.CurrentRound++
	next := mr.CurrentRound
	c.mu.Unlock()

	session, err := c.startRound(mr, next)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	mr.SessionIDs = append(mr.SessionIDs, session.ID)
	cp := *mr
	c.mu.Unlock()
	return &cp, nil
}

// GetMultiRound returns a copy of a multi-round session.
func (c *Coordinator) GetMultiRound(multiRoundID string) (*MultiRoundSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mr, ok := c.rounds[multiRoundID]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("multi-round session %s not found", multiRoundID))
	}
	cp := *mr
	cp.SessionIDs = append([]string(nil), mr.SessionIDs...)
	return &cp, nil
}

// InitiateEmergency opens a session with the shortened emergency
// deadline and no quorum gate: it completes when every participant has
// voted, or at the deadline with the votes on hand. Subscribers are
// notified immediately.
func (c *Coordinator) InitiateEmergency(proposal Proposal, participants []string) (*Session, error) {
	deadline := time.Now().Add(c.cfg.EmergencyDeadline.Duration())
	session, err := c.Initiate(proposal, participants, SessionOptions{
		Deadline:  deadline,
		emergency: true,
	})
	if err != nil {
		return nil, err
	}

	c.emit("consensus.emergency", session.ID, map[string]interface{}{
		"proposal": session.Proposal.ID,
		"deadline": deadline,
	})
	return session, nil
}
