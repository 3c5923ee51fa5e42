package consensus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/errors"
)

// ConflictType classifies what the parties disagree about.
type ConflictType string

const (
	ConflictVoteSplit       ConflictType = "vote_split"
	ConflictConditionalHold ConflictType = "conditional_hold"
	ConflictRevisionChurn   ConflictType = "revision_churn"
)

// ConflictSeverity grades how contested a conflict is.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// ResolutionStrategy is a suggested way to resolve a conflict.
type ResolutionStrategy string

const (
	StrategyMediation     ResolutionStrategy = "mediation"
	StrategyRevote        ResolutionStrategy = "revote"
	StrategyCompromise    ResolutionStrategy = "compromise"
	StrategyEscalation    ResolutionStrategy = "escalation"
	StrategyDeadlineShift ResolutionStrategy = "deadline_extension"
)

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "open"
	ConflictResolving ConflictStatus = "resolving"
	ConflictMediated  ConflictStatus = "mediated"
	ConflictEscalated ConflictStatus = "escalated"
	ConflictResolved  ConflictStatus = "resolved"
)

// AuthorityLevel orders the escalation tiers.
type AuthorityLevel string

const (
	AuthorityTeamLead   AuthorityLevel = "team_lead"
	AuthorityDepartment AuthorityLevel = "department_head"
	AuthorityExecutive  AuthorityLevel = "executive_committee"
	AuthorityBoard      AuthorityLevel = "board"
	AuthorityExternal   AuthorityLevel = "external_arbitrator"
)

// authorityTiers is the escalation order, lowest first.
var authorityTiers = []AuthorityLevel{
	AuthorityTeamLead,
	AuthorityDepartment,
	AuthorityExecutive,
	AuthorityBoard,
	AuthorityExternal,
}

func authorityRank(level AuthorityLevel) int {
	for i, l := range authorityTiers {
		if l == level {
			return i
		}
	}
	return -1
}

// Conflict is a detected disagreement inside a session.
type Conflict struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	Type       ConflictType     `json:"type"`
	Parties    []string         `json:"parties"`
	Severity   ConflictSeverity `json:"severity"`
	Resolvable bool             `json:"resolvable"`
	Status     ConflictStatus   `json:"status"`
	DetectedAt time.Time        `json:"detected_at"`

	Mediator   string      `json:"mediator,omitempty"`
	Proposal   string      `json:"mediation_proposal,omitempty"`
	Escalation *Escalation `json:"escalation,omitempty"`
	ResolvedAt time.Time   `json:"resolved_at,omitempty"`
	Resolution string      `json:"resolution,omitempty"`
}

// ConflictAnalysis accompanies detection with resolution guidance.
type ConflictAnalysis struct {
	SessionID     string               `json:"session_id"`
	Conflicts     []Conflict           `json:"conflicts"`
	Severity      ConflictSeverity     `json:"severity"`   // worst across conflicts
	Complexity    float64              `json:"complexity"` // 0..1
	Strategies    []ResolutionStrategy `json:"strategies"`
	EstimatedTime time.Duration        `json:"estimated_resolution_time"`
}

// Escalation records a conflict handed to a higher authority with a
// fixed review/decide/implement timeline.
type Escalation struct {
	Level       AuthorityLevel `json:"level"`
	Reason      string         `json:"reason"`
	EscalatedAt time.Time      `json:"escalated_at"`
	ReviewBy    time.Time      `json:"review_by"`
	DecideBy    time.Time      `json:"decide_by"`
	ImplementBy time.Time      `json:"implement_by"`
}

// DetectConflicts inspects a session's votes for disagreement patterns
// and registers any conflicts found. Safe to call repeatedly: already
// open conflicts of the same type are not duplicated.
func (c *Coordinator) DetectConflicts(sessionID string) (*ConflictAnalysis, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}

	found := detect(session)

	analysis := &ConflictAnalysis{SessionID: sessionID, Severity: SeverityLow}
	for _, conflict := range found {
		if c.hasOpenConflictLocked(sessionID, conflict.Type) {
			continue
		}
		conflict.ID = uuid.NewString()
		conflict.Status = ConflictOpen
		conflict.DetectedAt = time.Now()
		c.conflicts[conflict.ID] = conflict
		analysis.Conflicts = append(analysis.Conflicts, *conflict)

		if severityRank(conflict.Severity) > severityRank(analysis.Severity) {
			analysis.Severity = conflict.Severity
		}
		c.log.ConflictDetected(sessionID, conflict.ID, string(conflict.Severity))
	}

	analysis.Complexity = complexity(session, analysis.Conflicts)
	analysis.Strategies = suggestStrategies(analysis)
	analysis.EstimatedTime = estimateResolution(analysis)
	return analysis, nil
}

// detect finds disagreement patterns in a session's current votes.
func detect(session *Session) []*Conflict {
	var out []*Conflict

	var yes, no, conditional []string
	for id, v := range session.Votes {
		switch v.Choice {
		case ChoiceYes:
			yes = append(yes, id)
		case ChoiceNo:
			no = append(no, id)
		case ChoiceConditional:
			conditional = append(conditional, id)
		}
	}
	cast := len(session.Votes)

	// Vote split: both camps hold a substantial share of cast votes.
	if cast >= 2 && len(yes) > 0 && len(no) > 0 {
		minority := len(yes)
		if len(no) < minority {
			minority = len(no)
		}
		share := float64(minority) / float64(cast)
		if share >= 0.25 {
			severity := SeverityMedium
			if share >= 0.45 {
				severity = SeverityHigh
			}
			out = append(out, &Conflict{
				SessionID:  session.ID,
				Type:       ConflictVoteSplit,
				Parties:    append(append([]string(nil), yes...), no...),
				Severity:   severity,
				Resolvable: true,
			})
		}
	}

	// Conditional holds block a clean tally until conditions are met.
	if len(conditional) > 0 {
		out = append(out, &Conflict{
			SessionID:  session.ID,
			Type:       ConflictConditionalHold,
			Parties:    conditional,
			Severity:   SeverityLow,
			Resolvable: true,
		})
	}

	// Repeated revisions signal instability in the participant set.
	if len(session.Revisions) >= 3 {
		parties := make(map[string]struct{})
		for _, r := range session.Revisions {
			parties[r.AgentID] = struct{}{}
		}
		ids := make([]string, 0, len(parties))
		for id := range parties {
			ids = append(ids, id)
		}
		out = append(out, &Conflict{
			SessionID:  session.ID,
			Type:       ConflictRevisionChurn,
			Parties:    ids,
			Severity:   SeverityMedium,
			Resolvable: true,
		})
	}

	return out
}

func severityRank(s ConflictSeverity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// complexity scales with conflict count and contested parties.
func complexity(session *Session, conflicts []Conflict) float64 {
	if len(conflicts) == 0 {
		return 0
	}
	parties := 0
	for _, c := range conflicts {
		parties += len(c.Parties)
	}
	v := 0.2*float64(len(conflicts)) + 0.05*float64(parties)
	if len(session.Participants) > 0 {
		v += 0.1 * float64(parties) / float64(len(session.Participants))
	}
	if v > 1 {
		v = 1
	}
	return v
}

// suggestStrategies orders applicable strategies by analysis severity.
func suggestStrategies(a *ConflictAnalysis) []ResolutionStrategy {
	if len(a.Conflicts) == 0 {
		return nil
	}
	switch a.Severity {
	case SeverityCritical:
		return []ResolutionStrategy{StrategyEscalation, StrategyMediation}
	case SeverityHigh:
		return []ResolutionStrategy{StrategyMediation, StrategyRevote, StrategyEscalation}
	case SeverityMedium:
		return []ResolutionStrategy{StrategyMediation, StrategyCompromise, StrategyRevote}
	default:
		return []ResolutionStrategy{StrategyCompromise, StrategyDeadlineShift}
	}
}

// estimateResolution scales a base hour by severity and complexity.
func estimateResolution(a *ConflictAnalysis) time.Duration {
	if len(a.Conflicts) == 0 {
		return 0
	}
	base := time.Hour * time.Duration(1+severityRank(a.Severity))
	return base + time.Duration(a.Complexity*float64(2*time.Hour))
}

func (c *Coordinator) hasOpenConflictLocked(sessionID string, kind ConflictType) bool {
	for _, existing := range c.conflicts {
		if existing.SessionID == sessionID && existing.Type == kind &&
			existing.Status != ConflictResolved {
			return true
		}
	}
	return false
}

// InitiateResolution marks an open conflict as being worked under a
// chosen strategy. Escalation goes through EscalateConflict instead.
func (c *Coordinator) InitiateResolution(conflictID string, strategy ResolutionStrategy) (*Conflict, error) {
	if strategy == StrategyEscalation {
		return nil, errors.InvalidInput("use EscalateConflict for escalations")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	conflict, ok := c.conflicts[conflictID]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("conflict %s not found", conflictID))
	}
	if conflict.Status == ConflictResolved {
		return nil, errors.InvalidState(fmt.Sprintf("conflict %s already resolved", conflictID))
	}
	conflict.Status = ConflictResolving
	conflict.Resolution = string(strategy)
	cp := *conflict
	return &cp, nil
}

// Mediate resolves a conflict through a mediator's proposal.
func (c *Coordinator) Mediate(conflictID, mediator, proposal string) (*Conflict, error) {
	if mediator == "" || proposal == "" {
		return nil, errors.InvalidInput("mediation needs a mediator and a proposal")
	}

	c.mu.Lock()
	conflict, ok := c.conflicts[conflictID]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NotFound(fmt.Sprintf("conflict %s not found", conflictID))
	}
	if conflict.Status == ConflictResolved {
		c.mu.Unlock()
		return nil, errors.InvalidState(fmt.Sprintf("conflict %s already resolved", conflictID))
	}
	conflict.Status = ConflictMediated
	conflict.Mediator = mediator
	conflict.Proposal = proposal
	conflict.Resolution = string(StrategyMediation)
	conflict.ResolvedAt = time.Now()
	cp := *conflict
	c.mu.Unlock()

	c.emit("consensus.conflict.mediated", conflict.SessionID, map[string]interface{}{
		"conflict": conflictID,
		"mediator": mediator,
	})
	return &cp, nil
}

// Escalate hands a conflict to a higher authority tier with the fixed
// review/decide/implement timeline. Re-escalation must name a strictly
// higher tier.
func (c *Coordinator) Escalate(conflictID string, level AuthorityLevel, reason string) (*Conflict, error) {
	rank := authorityRank(level)
	if rank < 0 {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown authority level %q", level))
	}
	if reason == "" {
		return nil, errors.InvalidInput("escalation needs a reason")
	}

	c.mu.Lock()
	conflict, ok := c.conflicts[conflictID]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NotFound(fmt.Sprintf("conflict %s not found", conflictID))
	}
	if conflict.Status == ConflictResolved {
		c.mu.Unlock()
		return nil, errors.InvalidState(fmt.Sprintf("conflict %s already resolved", conflictID))
	}
	if conflict.Escalation != nil && authorityRank(conflict.Escalation.Level) >= rank {
		c.mu.Unlock()
		return nil, errors.InvalidState(
			fmt.Sprintf("conflict %s already escalated to %s", conflictID, conflict.Escalation.Level))
	}

	now := time.Now()
	conflict.Status = ConflictEscalated
	conflict.Escalation = &Escalation{
		Level:       level,
		Reason:      reason,
		EscalatedAt: now,
		ReviewBy:    now.Add(24 * time.Hour),
		DecideBy:    now.Add(72 * time.Hour),
		ImplementBy: now.Add(7 * 24 * time.Hour),
	}
	cp := *conflict
	c.mu.Unlock()

	c.log.ConflictEscalated(conflictID, string(level), reason)
	c.emit("consensus.conflict.escalated", conflict.SessionID, map[string]interface{}{
		"conflict": conflictID,
		"level":    string(level),
	})
	return &cp, nil
}

// ResolveConflict closes a conflict with a final resolution note.
func (c *Coordinator) ResolveConflict(conflictID, resolution string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conflict, ok := c.conflicts[conflictID]
	if !ok {
		return errors.NotFound(fmt.Sprintf("conflict %s not found", conflictID))
	}
	if conflict.Status == ConflictResolved {
		return errors.InvalidState(fmt.Sprintf("conflict %s already resolved", conflictID))
	}
	conflict.Status = ConflictResolved
	conflict.Resolution = resolution
	conflict.ResolvedAt = time.Now()
	return nil
}

// ListConflicts returns conflicts for one session, or all when the
// session id is empty.
func (c *Coordinator) ListConflicts(sessionID string) []Conflict {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Conflict, 0, len(c.conflicts))
	for _, conflict := range c.conflicts {
		if sessionID != "" && conflict.SessionID != sessionID {
			continue
		}
		out = append(out, *conflict)
	}
	return out
}
