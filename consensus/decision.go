package consensus

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/errors"
)

// DecisionStatus is the lifecycle state of a decision session.
type DecisionStatus string

const (
	DecisionOpen        DecisionStatus = "open"
	DecisionSynthesized DecisionStatus = "synthesized"
	DecisionFinalized   DecisionStatus = "finalized"
)

// Contribution is one participant's qualitative input.
type Contribution struct {
	ID       string    `json:"id"`
	AgentID  string    `json:"agent_id"`
	Content  string    `json:"content"`
	Position string    `json:"position,omitempty"` // support | oppose | neutral
	At       time.Time `json:"at"`
}

// Synthesis condenses contributions into a recommendation.
type Synthesis struct {
	KeyPoints         []string  `json:"key_points"`
	ConsensusAreas    []string  `json:"consensus_areas,omitempty"`
	DisagreementAreas []string  `json:"disagreement_areas,omitempty"`
	Recommendation    string    `json:"recommendation"`
	Confidence        float64   `json:"confidence"` // 0..1
	SynthesizedAt     time.Time `json:"synthesized_at"`
}

// FinalDecision is the recorded outcome of a decision session.
type FinalDecision struct {
	Decision           string    `json:"decision"`
	ImplementationPlan []string  `json:"implementation_plan,omitempty"`
	ApprovedBy         string    `json:"approved_by"`
	FinalizedAt        time.Time `json:"finalized_at"`
}

// DecisionSession is a deliberative track running parallel to binary
// voting: participants contribute positions, the coordinator
// synthesizes, and a named approver finalizes.
type DecisionSession struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	Participants  []string       `json:"participants"`
	Contributions []Contribution `json:"contributions"`
	Status        DecisionStatus `json:"status"`
	Synthesis     *Synthesis     `json:"synthesis,omitempty"`
	FinalDecision *FinalDecision `json:"final_decision,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CreateDecisionSession opens a deliberative session on a topic.
func (c *Coordinator) CreateDecisionSession(topic string, participants []string) (*DecisionSession, error) {
	if topic == "" {
		return nil, errors.InvalidInput("decision session needs a topic")
	}
	if len(participants) == 0 {
		return nil, errors.InvalidInput("decision session needs participants")
	}
	if err := c.screenParticipants(participants); err != nil {
		return nil, err
	}

	ds := &DecisionSession{
		ID:           uuid.NewString(),
		Topic:        topic,
		Participants: append([]string(nil), participants...),
		Status:       DecisionOpen,
		CreatedAt:    time.Now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.InvalidState("coordinator closed")
	}
	c.decisions[ds.ID] = ds
	c.mu.Unlock()

	c.emit("consensus.decision.opened", ds.ID, map[string]interface{}{
		"topic":        topic,
		"participants": len(participants),
	})
	return copyDecision(ds), nil
}

// Contribute records a participant's input. Only open sessions accept
// contributions; a new contribution invalidates any prior synthesis.
func (c *Coordinator) Contribute(sessionID, agentID, content, position string) (*Contribution, error) {
	if content == "" {
		return nil, errors.InvalidInput("empty contribution")
	}
	switch position {
	case "", "support", "oppose", "neutral":
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unknown position %q", position))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.decisions[sessionID]
	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}
	if ds.Status == DecisionFinalized {
		return nil, errors.SessionTerminal(sessionID, string(ds.Status))
	}
	if !containsString(ds.Participants, agentID) {
		return nil, errors.NotAllowed(
			fmt.Sprintf("agent %s is not a participant of decision %s", agentID, sessionID),
			errors.WithSessionID(sessionID), errors.WithAgentID(agentID))
	}

	contrib := Contribution{
		ID:       uuid.NewString(),
		AgentID:  agentID,
		Content:  content,
		Position: position,
		At:       time.Now(),
	}
	ds.Contributions = append(ds.Contributions, contrib)
	ds.Status = DecisionOpen
	ds.Synthesis = nil
	return &contrib, nil
}

// Synthesize condenses the contributions so far: key points by term
// frequency, consensus and disagreement areas from stated positions,
// and a recommendation with a confidence derived from the agreement
// ratio.
func (c *Coordinator) Synthesize(sessionID string) (*Synthesis, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.decisions[sessionID]
	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}
	if ds.Status == DecisionFinalized {
		return nil, errors.SessionTerminal(sessionID, string(ds.Status))
	}
	if len(ds.Contributions) == 0 {
		return nil, errors.InvalidState("no contributions to synthesize",
			errors.WithSessionID(sessionID))
	}

	syn := synthesize(ds)
	ds.Synthesis = syn
	ds.Status = DecisionSynthesized
	cp := *syn
	return &cp, nil
}

// synthesize builds the synthesis from a session's contributions.
func synthesize(ds *DecisionSession) *Synthesis {
	support, oppose, neutral := 0, 0, 0
	for _, contrib := range ds.Contributions {
		switch contrib.Position {
		case "support":
			support++
		case "oppose":
			oppose++
		default:
			neutral++
		}
	}
	total := len(ds.Contributions)

	syn := &Synthesis{
		KeyPoints:     keyPoints(ds.Contributions, 5),
		SynthesizedAt: time.Now(),
	}

	if support > 0 && oppose == 0 {
		syn.ConsensusAreas = append(syn.ConsensusAreas,
			fmt.Sprintf("all stated positions support %q", ds.Topic))
	}
	if support > 0 && oppose > 0 {
		syn.DisagreementAreas = append(syn.DisagreementAreas,
			fmt.Sprintf("%d supporting vs %d opposing positions on %q", support, oppose, ds.Topic))
	}
	if neutral == total {
		syn.DisagreementAreas = append(syn.DisagreementAreas,
			"no participant has taken a position")
	}

	majority := support > oppose
	switch {
	case majority && oppose == 0:
		syn.Recommendation = "proceed"
	case majority:
		syn.Recommendation = "proceed with noted objections"
	case oppose > support:
		syn.Recommendation = "do not proceed"
	default:
		syn.Recommendation = "gather further input"
	}

	// Confidence: dominant-position share, damped by neutral inputs.
	dominant := support
	if oppose > dominant {
		dominant = oppose
	}
	if total > 0 {
		syn.Confidence = float64(dominant) / float64(total)
	}
	return syn
}

// keyPoints extracts the most frequent substantive terms across
// contributions.
func keyPoints(contribs []Contribution, limit int) []string {
	freq := make(map[string]int)
	for _, contrib := range contribs {
		seen := make(map[string]struct{})
		for _, word := range strings.Fields(strings.ToLower(contrib.Content)) {
			word = strings.Trim(word, ".,;:!?()\"'")
			if len(word) < 4 || stopword(word) {
				continue
			}
			if _, dup := seen[word]; dup {
				continue // count once per contribution
			}
			seen[word] = struct{}{}
			freq[word]++
		}
	}

	type wc struct {
		word  string
		count int
	}
	ranked := make([]wc, 0, len(freq))
	for w, n := range freq {
		ranked = append(ranked, wc{w, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count == ranked[j].count {
			return ranked[i].word < ranked[j].word
		}
		return ranked[i].count > ranked[j].count
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.word
	}
	return out
}

func stopword(w string) bool {
	switch w {
	case "this", "that", "with", "from", "have", "been", "will",
		"would", "should", "could", "about", "there", "their", "they",
		"because", "which", "when", "where", "what", "more", "than":
		return true
	}
	return false
}

// FinalizeDecision closes a synthesized session with the final decision,
// an implementation plan, and the approval record.
func (c *Coordinator) FinalizeDecision(sessionID, decision, approvedBy string, plan []string) (*DecisionSession, error) {
	if decision == "" || approvedBy == "" {
		return nil, errors.InvalidInput("finalization needs a decision and an approver")
	}

	c.mu.Lock()
	ds, ok := c.decisions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, errors.SessionNotFound(sessionID)
	}
	if ds.Status == DecisionFinalized {
		c.mu.Unlock()
		return nil, errors.SessionTerminal(sessionID, string(ds.Status))
	}
	if ds.Synthesis == nil {
		c.mu.Unlock()
		return nil, errors.InvalidState("decision must be synthesized before finalization",
			errors.WithSessionID(sessionID))
	}

	ds.FinalDecision = &FinalDecision{
		Decision:           decision,
		ImplementationPlan: append([]string(nil), plan...),
		ApprovedBy:         approvedBy,
		FinalizedAt:        time.Now(),
	}
	ds.Status = DecisionFinalized
	cp := copyDecision(ds)
	c.mu.Unlock()

	c.emit("consensus.decision.finalized", sessionID, map[string]interface{}{
		"decision": decision,
		"approver": approvedBy,
	})
	return cp, nil
}

// GetDecisionSession returns a copy of a decision session.
func (c *Coordinator) GetDecisionSession(sessionID string) (*DecisionSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ds, ok := c.decisions[sessionID]
	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}
	return copyDecision(ds), nil
}

func copyDecision(ds *DecisionSession) *DecisionSession {
	cp := *ds
	cp.Participants = append([]string(nil), ds.Participants...)
	cp.Contributions = append([]Contribution(nil), ds.Contributions...)
	if ds.Synthesis != nil {
		syn := *ds.Synthesis
		cp.Synthesis = &syn
	}
	if ds.FinalDecision != nil {
		fd := *ds.FinalDecision
		cp.FinalDecision = &fd
	}
	return &cp
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
