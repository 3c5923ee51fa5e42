// Package consensus coordinates proposal-based voting sessions among
// agents: quorum evaluation, multi-round and emergency flows, pluggable
// algorithm evaluators, conflict detection and resolution, and
// qualitative decision sessions.
//
// A session is active until it reaches exactly one terminal state
// (completed, cancelled, expired) and never leaves it. Quorum is
// evaluated after every vote; a quorum-met session completes once its
// outcome is settled, while a background monitor resolves overdue
// sessions at the deadline and expires those that never reached quorum,
// logging and continuing so one faulty session cannot halt the sweep.
package consensus

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/config"
	"github.com/govkit/govkit/discovery"
	"github.com/govkit/govkit/errors"
	"github.com/govkit/govkit/events"
	"github.com/govkit/govkit/logging"
	"github.com/govkit/govkit/metrics"
)

// SessionStatus is the lifecycle state of a consensus session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
	StatusExpired   SessionStatus = "expired"
)

// terminal reports whether a status is final.
func (s SessionStatus) terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Choice is a vote option.
type Choice string

const (
	ChoiceYes         Choice = "yes"
	ChoiceNo          Choice = "no"
	ChoiceAbstain     Choice = "abstain"
	ChoiceConditional Choice = "conditional"
)

func validChoice(c Choice) bool {
	switch c {
	case ChoiceYes, ChoiceNo, ChoiceAbstain, ChoiceConditional:
		return true
	}
	return false
}

// Proposal is what a session decides on.
type Proposal struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Vote is one participant's recorded position. Weight starts at 1 and
// grows with delegations.
type Vote struct {
	AgentID   string    `json:"agent_id"`
	Choice    Choice    `json:"choice"`
	Weight    float64   `json:"weight"`
	Comment   string    `json:"comment,omitempty"`
	Condition string    `json:"condition,omitempty"` // for conditional votes
	Revised   bool      `json:"revised"`
	CastAt    time.Time `json:"cast_at"`
}

// Revision records a vote change and its effect on the running outcome.
type Revision struct {
	AgentID   string    `json:"agent_id"`
	OldChoice Choice    `json:"old_choice"`
	NewChoice Choice    `json:"new_choice"`
	Flipped   bool      `json:"flipped"` // the leading decision changed
	At        time.Time `json:"at"`
}

// Outcome is the final result of a session.
type Outcome struct {
	Decision      string    `json:"decision"` // approved | rejected
	Yes           int       `json:"yes"`
	No            int       `json:"no"`
	Abstain       int       `json:"abstain"`
	Conditional   int       `json:"conditional"`
	QuorumReached bool      `json:"quorum_reached"`
	Forced        bool      `json:"forced,omitempty"`
	AuthorizedBy  string    `json:"authorized_by,omitempty"`
	Justification string    `json:"justification,omitempty"`
	FinalizedAt   time.Time `json:"finalized_at"`
}

const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Session is one consensus voting session.
type Session struct {
	ID           string           `json:"id"`
	Proposal     Proposal         `json:"proposal"`
	Participants []string         `json:"participants"`
	Votes        map[string]*Vote `json:"votes"`
	Status       SessionStatus    `json:"status"`
	Emergency    bool             `json:"emergency,omitempty"`
	Quorum       float64          `json:"quorum"`
	Deadline     time.Time        `json:"deadline"`
	CreatedAt    time.Time        `json:"created_at"`
	Result       *Outcome         `json:"result,omitempty"`
	Revisions    []Revision       `json:"revisions,omitempty"`

	delegations map[string]string // delegator -> delegate
}

// SessionOptions tunes one session.
type SessionOptions struct {
	// Deadline for the session. Zero uses the configured default.
	Deadline time.Time

	// Quorum overrides the configured fraction when in (0, 1].
	Quorum float64

	// emergency marks the session at creation, so the very first vote
	// already evaluates under emergency rules.
	emergency bool
}

// Coordinator runs consensus sessions. Use New; close with Close.
type Coordinator struct {
	cfg config.ConsensusConfig
	log *logging.Logger
	met *metrics.Metrics

	directory *discovery.Service // optional participant resolution
	bus       *events.Bus        // optional lifecycle notifications

	mu        sync.RWMutex
	sessions  map[string]*Session
	rounds    map[string]*MultiRoundSession
	conflicts map[string]*Conflict
	decisions map[string]*DecisionSession
	closed    bool

	monitorStop chan struct{}
	monitorDone chan struct{}
}

// Options configures a Coordinator.
type Options struct {
	// Config supplies tunables. Zero value uses defaults.
	Config config.ConsensusConfig

	// Logger for lifecycle output. Defaults to a new logger.
	Logger *logging.Logger

	// Metrics collectors. Defaults to unregistered collectors.
	Metrics *metrics.Metrics

	// Directory resolves and health-screens participants when set.
	Directory *discovery.Service

	// Events receives session lifecycle events when set.
	Events *events.Bus
}

// New creates a Coordinator and starts its deadline monitor.
func New(opts Options) *Coordinator {
	cfg := opts.Config
	if cfg.QuorumFraction <= 0 || cfg.QuorumFraction > 1 {
		cfg = config.Default().Consensus
	}
	log := opts.Logger
	if log == nil {
		log = logging.New()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.Nop()
	}

	c := &Coordinator{
		cfg:         cfg,
		log:         log.WithComponent("consensus"),
		met:         met,
		directory:   opts.Directory,
		bus:         opts.Events,
		sessions:    make(map[string]*Session),
		rounds:      make(map[string]*MultiRoundSession),
		conflicts:   make(map[string]*Conflict),
		decisions:   make(map[string]*DecisionSession),
		monitorStop: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	go c.monitorLoop()
	return c
}

// Initiate opens a voting session on a proposal. When a directory is
// configured, participants must be actively registered there.
func (c *Coordinator) Initiate(proposal Proposal, participants []string, opts SessionOptions) (*Session, error) {
	if len(participants) == 0 {
		return nil, errors.InvalidInput("session needs participants")
	}
	if proposal.ID == "" {
		proposal.ID = uuid.NewString()
	}
	if err := c.screenParticipants(participants); err != nil {
		return nil, err
	}

	quorum := c.cfg.QuorumFraction
	if opts.Quorum > 0 && opts.Quorum <= 1 {
		quorum = opts.Quorum
	}
	deadline := opts.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(c.cfg.DefaultDeadline.Duration())
	}

	session := &Session{
		ID:           uuid.NewString(),
		Proposal:     proposal,
		Participants: append([]string(nil), participants...),
		Votes:        make(map[string]*Vote),
		Status:       StatusActive,
		Emergency:    opts.emergency,
		Quorum:       quorum,
		Deadline:     deadline,
		CreatedAt:    time.Now(),
		delegations:  make(map[string]string),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.InvalidState("coordinator closed")
	}
	c.sessions[session.ID] = session
	c.mu.Unlock()

	c.met.SessionsActive.Inc()
	c.log.SessionStarted(session.ID, proposal.ID, len(participants))
	c.emit("consensus.session.started", session.ID, map[string]interface{}{
		"proposal":     proposal.ID,
		"participants": len(participants),
	})
	return c.snapshot(session.ID)
}

// screenParticipants rejects participants without an active registration
// when a directory is configured.
func (c *Coordinator) screenParticipants(participants []string) error {
	if c.directory == nil {
		return nil
	}
	for _, id := range participants {
		reg, err := c.directory.GetRegistration(id)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("participant %s", id))
		}
		if reg.Status != discovery.RegistrationActive {
			return errors.InvalidState(
				fmt.Sprintf("participant %s registration is %s", id, reg.Status),
				errors.WithAgentID(id))
		}
	}
	return nil
}

// CastVote records a participant's vote and evaluates quorum. A second
// vote by the same agent is rejected; use Revise when revision is
// enabled.
func (c *Coordinator) CastVote(sessionID, agentID string, choice Choice, comment string) (*Session, error) {
	if !validChoice(choice) {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown choice %q", choice))
	}

	c.mu.Lock()
	session, err := c.activeLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if !isParticipant(session, agentID) {
		c.mu.Unlock()
		return nil, errors.NotAllowed(
			fmt.Sprintf("agent %s is not a participant of session %s", agentID, sessionID),
			errors.WithSessionID(sessionID), errors.WithAgentID(agentID))
	}
	if _, voted := session.Votes[agentID]; voted {
		c.mu.Unlock()
		return nil, errors.InvalidState(
			fmt.Sprintf("agent %s already voted in session %s", agentID, sessionID),
			errors.WithSessionID(sessionID), errors.WithAgentID(agentID))
	}
	if delegate, ok := session.delegations[agentID]; ok {
		c.mu.Unlock()
		return nil, errors.InvalidState(
			fmt.Sprintf("agent %s delegated its vote to %s", agentID, delegate),
			errors.WithSessionID(sessionID), errors.WithAgentID(agentID))
	}

	session.Votes[agentID] = &Vote{
		AgentID: agentID,
		Choice:  choice,
		Weight:  c.voteWeightLocked(session, agentID),
		Comment: comment,
		CastAt:  time.Now(),
	}
	finished, decision := c.evaluateLocked(session)
	c.mu.Unlock()

	c.met.VotesCast.WithLabelValues(string(choice)).Inc()
	c.log.VoteRecorded(sessionID, agentID, string(choice))
	c.emit("consensus.vote.cast", sessionID, map[string]interface{}{
		"agent":  agentID,
		"choice": string(choice),
	})
	if finished {
		c.finishSession(sessionID, StatusCompleted, decision)
	}
	return c.snapshot(sessionID)
}

// voteWeightLocked is 1 plus the number of delegations pointing at the
// voter. Caller holds c.mu.
func (c *Coordinator) voteWeightLocked(session *Session, agentID string) float64 {
	weight := 1.0
	for _, to := range session.delegations {
		if to == agentID {
			weight++
		}
	}
	return weight
}

// Revise replaces a participant's earlier vote. Rejected unless revision
// is enabled in configuration. The revision record notes whether the
// leading decision flipped.
func (c *Coordinator) Revise(sessionID, agentID string, choice Choice, comment string) (*Session, error) {
	if !c.cfg.AllowRevision {
		return nil, errors.NotAllowed("vote revision is disabled")
	}
	if !validChoice(choice) {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown choice %q", choice))
	}

	c.mu.Lock()
	session, err := c.activeLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	prior, voted := session.Votes[agentID]
	if !voted {
		c.mu.Unlock()
		return nil, errors.NotFound(
			fmt.Sprintf("agent %s has no vote to revise in session %s", agentID, sessionID),
			errors.WithSessionID(sessionID), errors.WithAgentID(agentID))
	}

	before := leadingDecision(session)
	old := prior.Choice
	prior.Choice = choice
	prior.Comment = comment
	prior.Revised = true
	prior.CastAt = time.Now()
	after := leadingDecision(session)

	session.Revisions = append(session.Revisions, Revision{
		AgentID:   agentID,
		OldChoice: old,
		NewChoice: choice,
		Flipped:   before != after,
		At:        time.Now(),
	})
	finished, decision := c.evaluateLocked(session)
	c.mu.Unlock()

	c.emit("consensus.vote.revised", sessionID, map[string]interface{}{
		"agent": agentID,
		"from":  string(old),
		"to":    string(choice),
	})
	if finished {
		c.finishSession(sessionID, StatusCompleted, decision)
	}
	return c.snapshot(sessionID)
}

// Delegate transfers a participant's vote to another participant.
// Rejected unless delegation is enabled in configuration, and rejected
// after the delegator has voted.
func (c *Coordinator) Delegate(sessionID, from, to string) error {
	if !c.cfg.AllowDelegation {
		return errors.NotAllowed("vote delegation is disabled")
	}
	if from == to {
		return errors.InvalidInput("cannot delegate to self")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	session, err := c.activeLocked(sessionID)
	if err != nil {
		return err
	}
	if !isParticipant(session, from) || !isParticipant(session, to) {
		return errors.NotAllowed("both agents must be session participants",
			errors.WithSessionID(sessionID))
	}
	if _, voted := session.Votes[from]; voted {
		return errors.InvalidState(
			fmt.Sprintf("agent %s already voted and cannot delegate", from),
			errors.WithSessionID(sessionID), errors.WithAgentID(from))
	}
	if _, ok := session.delegations[to]; ok {
		return errors.InvalidState(
			fmt.Sprintf("agent %s has itself delegated and cannot receive delegations", to),
			errors.WithSessionID(sessionID))
	}
	for _, delegate := range session.delegations {
		if delegate == from {
			return errors.InvalidState(
				fmt.Sprintf("agent %s holds delegations and cannot delegate onward", from),
				errors.WithSessionID(sessionID), errors.WithAgentID(from))
		}
	}

	session.delegations[from] = to

	// A delegate who already voted absorbs the weight immediately.
	if vote, ok := session.Votes[to]; ok {
		vote.Weight = c.voteWeightLocked(session, to)
	}
	return nil
}

// RevokeDelegation cancels a standing delegation.
func (c *Coordinator) RevokeDelegation(sessionID, from string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, err := c.activeLocked(sessionID)
	if err != nil {
		return err
	}
	to, ok := session.delegations[from]
	if !ok {
		return errors.NotFound(
			fmt.Sprintf("agent %s has no delegation in session %s", from, sessionID),
			errors.WithSessionID(sessionID), errors.WithAgentID(from))
	}
	delete(session.delegations, from)
	if vote, voted := session.Votes[to]; voted {
		vote.Weight = c.voteWeightLocked(session, to)
	}
	return nil
}

// ExtendDeadline pushes an active session's deadline further out.
func (c *Coordinator) ExtendDeadline(sessionID string, extra time.Duration) (*Session, error) {
	if extra <= 0 {
		return nil, errors.InvalidInput("extension must be positive")
	}

	c.mu.Lock()
	session, err := c.activeLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	session.Deadline = session.Deadline.Add(extra)
	c.mu.Unlock()
	return c.snapshot(sessionID)
}

// Cancel moves an active session to the cancelled terminal state.
func (c *Coordinator) Cancel(sessionID, reason string) error {
	c.mu.Lock()
	session, err := c.activeLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	session.Status = StatusCancelled
	c.mu.Unlock()

	c.finishSession(session.ID, StatusCancelled, reason)
	return nil
}

// ForceFinalize completes an active session immediately with the current
// votes. The authorization is recorded as supplied; verifying the
// authority is the caller's concern.
func (c *Coordinator) ForceFinalize(sessionID, authorizedBy, justification string) (*Session, error) {
	if authorizedBy == "" {
		return nil, errors.InvalidInput("force finalize needs an authorizer")
	}

	c.mu.Lock()
	session, err := c.activeLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	outcome := tally(session)
	outcome.Forced = true
	outcome.AuthorizedBy = authorizedBy
	outcome.Justification = justification
	session.Result = outcome
	session.Status = StatusCompleted
	c.mu.Unlock()

	c.finishSession(sessionID, StatusCompleted, outcome.Decision)
	return c.snapshot(sessionID)
}

// GetSession returns a copy of a session, terminal or not.
func (c *Coordinator) GetSession(sessionID string) (*Session, error) {
	return c.snapshot(sessionID)
}

// ListSessions returns copies of all sessions with the given status, or
// every session when status is empty.
func (c *Coordinator) ListSessions(status SessionStatus) []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, *copySession(s))
	}
	return out
}

// activeLocked fetches a session that must be active. Caller holds c.mu.
func (c *Coordinator) activeLocked(sessionID string) (*Session, error) {
	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}
	if session.Status.terminal() {
		return nil, errors.SessionTerminal(sessionID, string(session.Status))
	}
	return session, nil
}

// evaluateLocked checks quorum and finalizes the session when the
// outcome is settled, returning whether it just completed and the
// decision. Quorum alone does not finish a session: completion needs an
// approved tally, or a rejection that no remaining vote could overturn;
// otherwise the session stays pending until the deadline resolves it.
// Emergency sessions ignore the quorum fraction and complete once every
// participant has voted. Caller holds c.mu and must call finishSession
// after unlocking when finished is true.
func (c *Coordinator) evaluateLocked(session *Session) (finished bool, decision string) {
	if session.Status != StatusActive {
		return false, ""
	}

	needed := quorumVotes(len(session.Participants), session.Quorum)
	if session.Emergency {
		needed = len(session.Participants)
	}
	cast := len(session.Votes)
	if cast < needed {
		return false, ""
	}

	outcome := tally(session)
	outcome.QuorumReached = true

	// Delegators cannot vote, so they never add to the yes count.
	remaining := len(session.Participants) - cast - len(session.delegations)
	if remaining < 0 {
		remaining = 0
	}
	if outcome.Decision != DecisionApproved && remaining > 0 &&
		float64(outcome.Yes+remaining) > float64(cast+remaining)/2 {
		return false, "" // outstanding votes could still approve
	}

	session.Result = outcome
	session.Status = StatusCompleted
	return true, outcome.Decision
}

// quorumVotes is ceil(participants * fraction).
func quorumVotes(participants int, fraction float64) int {
	return int(math.Ceil(float64(participants) * fraction))
}

// tally counts the current votes into an outcome. Approved when yes
// votes exceed half of the votes cast.
func tally(session *Session) *Outcome {
	out := &Outcome{FinalizedAt: time.Now()}
	for _, v := range session.Votes {
		switch v.Choice {
		case ChoiceYes:
			out.Yes++
		case ChoiceNo:
			out.No++
		case ChoiceAbstain:
			out.Abstain++
		case ChoiceConditional:
			out.Conditional++
		}
	}
	cast := len(session.Votes)
	if cast > 0 && float64(out.Yes) > float64(cast)/2 {
		out.Decision = DecisionApproved
	} else {
		out.Decision = DecisionRejected
	}
	return out
}

// leadingDecision is the decision a tally would produce right now.
func leadingDecision(session *Session) string {
	return tally(session).Decision
}

func isParticipant(session *Session, agentID string) bool {
	for _, p := range session.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// finishSession records metrics, logs, and emits the terminal event.
func (c *Coordinator) finishSession(sessionID string, status SessionStatus, detail string) {
	c.met.SessionsActive.Dec()
	c.met.SessionsFinished.WithLabelValues(string(status)).Inc()
	c.log.SessionFinished(sessionID, string(status), detail)
	c.emit("consensus.session."+string(status), sessionID, map[string]interface{}{
		"detail": detail,
	})
}

// snapshot returns a deep-enough copy of a session for callers.
func (c *Coordinator) snapshot(sessionID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}
	return copySession(session), nil
}

func copySession(s *Session) *Session {
	cp := *s
	cp.Votes = make(map[string]*Vote, len(s.Votes))
	for id, v := range s.Votes {
		vv := *v
		cp.Votes[id] = &vv
	}
	cp.Participants = append([]string(nil), s.Participants...)
	cp.Revisions = append([]Revision(nil), s.Revisions...)
	cp.delegations = nil
	return &cp
}

// emit publishes a lifecycle event when an event bus is wired.
func (c *Coordinator) emit(eventType, sessionID string, payload map[string]interface{}) {
	if c.bus == nil {
		return
	}
	err := c.bus.PublishCorrelated(sessionID, &events.GovernanceEvent{
		Type:    eventType,
		Domain:  "consensus",
		Source:  "consensus.coordinator",
		Payload: payload,
	})
	if err != nil {
		c.log.Warn("event_emit_failed", map[string]interface{}{
			"type":  eventType,
			"error": err.Error(),
		})
	}
}

// monitorLoop expires active sessions whose deadline passed without
// quorum. Emergency sessions complete with the votes on hand instead.
// Per-session errors are logged; the sweep always continues.
func (c *Coordinator) monitorLoop() {
	defer close(c.monitorDone)
	interval := c.cfg.MonitorInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.monitorStop:
			return
		case <-ticker.C:
			c.sweepDeadlines(time.Now())
		}
	}
}

// sweepDeadlines processes every active session past its deadline.
func (c *Coordinator) sweepDeadlines(now time.Time) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.sessions))
	for id, s := range c.sessions {
		if s.Status == StatusActive && s.Deadline.Before(now) {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if err := c.expireSession(id); err != nil {
			c.log.SweepError("consensus_deadline", err)
		}
	}
}

// expireSession finalizes one overdue session.
func (c *Coordinator) expireSession(sessionID string) error {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok || session.Status != StatusActive {
		c.mu.Unlock()
		return nil // finished in the meantime
	}

	needed := quorumVotes(len(session.Participants), session.Quorum)
	var status SessionStatus
	var detail string
	switch {
	case session.Emergency && len(session.Votes) > 0:
		outcome := tally(session)
		outcome.QuorumReached = true
		session.Result = outcome
		session.Status = StatusCompleted
		status, detail = StatusCompleted, outcome.Decision
	case !session.Emergency && len(session.Votes) >= needed:
		// Quorum was met but the outcome stayed pending; the deadline
		// settles it with the votes on hand.
		outcome := tally(session)
		outcome.QuorumReached = true
		session.Result = outcome
		session.Status = StatusCompleted
		status, detail = StatusCompleted, outcome.Decision
	default:
		session.Status = StatusExpired
		status, detail = StatusExpired, "deadline passed without quorum"
	}
	c.mu.Unlock()

	c.finishSession(sessionID, status, detail)
	return nil
}

// Close stops the deadline monitor. Sessions stay readable.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.monitorStop)
	<-c.monitorDone
	return nil
}
