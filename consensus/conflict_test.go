package consensus

import (
	"testing"

	"github.com/govkit/govkit/config"
)

func TestDetectVoteSplit(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()

	// Two of five votes cast, evenly split: below quorum, high contention.
	session, _ := c.Initiate(Proposal{Title: "p"}, fiveAgents(), SessionOptions{})
	c.CastVote(session.ID, "a1", ChoiceYes, "")
	c.CastVote(session.ID, "a2", ChoiceNo, "")

	analysis, err := c.DetectConflicts(session.ID)
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	if len(analysis.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(analysis.Conflicts))
	}
	conflict := analysis.Conflicts[0]
	if conflict.Type != ConflictVoteSplit {
		t.Errorf("type = %s, want %s", conflict.Type, ConflictVoteSplit)
	}
	if conflict.Severity != SeverityHigh {
		t.Errorf("severity = %s, want high for an even split", conflict.Severity)
	}
	if conflict.Status != ConflictOpen {
		t.Errorf("status = %s, want open", conflict.Status)
	}
	if len(conflict.Parties) != 2 {
		t.Errorf("parties = %v", conflict.Parties)
	}
	if analysis.Severity != SeverityHigh {
		t.Errorf("analysis severity = %s", analysis.Severity)
	}
	if len(analysis.Strategies) == 0 || analysis.Strategies[0] != StrategyMediation {
		t.Errorf("strategies = %v, want mediation first for high severity", analysis.Strategies)
	}
	if analysis.EstimatedTime <= 0 {
		t.Error("no resolution estimate")
	}

	// Repeat detection must not duplicate the still-open conflict.
	again, err := c.DetectConflicts(session.ID)
	if err != nil {
		t.Fatalf("DetectConflicts again: %v", err)
	}
	if len(again.Conflicts) != 0 {
		t.Errorf("redetected %d conflicts while one is open", len(again.Conflicts))
	}
	if got := c.ListConflicts(session.ID); len(got) != 1 {
		t.Errorf("ListConflicts = %d, want 1", len(got))
	}
}

func TestDetectConditionalHold(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()

	session, _ := c.Initiate(Proposal{Title: "p"}, fiveAgents(), SessionOptions{})
	c.CastVote(session.ID, "a1", ChoiceConditional, "needs a rollback plan")

	analysis, err := c.DetectConflicts(session.ID)
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	if len(analysis.Conflicts) != 1 || analysis.Conflicts[0].Type != ConflictConditionalHold {
		t.Fatalf("conflicts = %+v, want one conditional hold", analysis.Conflicts)
	}
	if analysis.Conflicts[0].Severity != SeverityLow {
		t.Errorf("severity = %s, want low", analysis.Conflicts[0].Severity)
	}
}

func TestDetectRevisionChurn(t *testing.T) {
	c := newTestCoordinator(func(cfg *config.ConsensusConfig) { cfg.AllowRevision = true })
	defer c.Close()

	session, _ := c.Initiate(Proposal{Title: "p"}, fiveAgents(), SessionOptions{})
	c.CastVote(session.ID, "a1", ChoiceYes, "")
	c.Revise(session.ID, "a1", ChoiceNo, "")
	c.Revise(session.ID, "a1", ChoiceYes, "")
	c.Revise(session.ID, "a1", ChoiceNo, "")

	analysis, err := c.DetectConflicts(session.ID)
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	var churn *Conflict
	for i := range analysis.Conflicts {
		if analysis.Conflicts[i].Type == ConflictRevisionChurn {
			churn = &analysis.Conflicts[i]
		}
	}
	if churn == nil {
		t.Fatalf("no revision churn in %+v", analysis.Conflicts)
	}
	if len(churn.Parties) != 1 || churn.Parties[0] != "a1" {
		t.Errorf("parties = %v, want [a1]", churn.Parties)
	}
}

func TestDetectConflictsUnknownSession(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()
	if _, err := c.DetectConflicts("missing"); err == nil {
		t.Error("unknown session accepted")
	}
}

func detectOne(t *testing.T, c *Coordinator) Conflict {
	t.Helper()
	session, _ := c.Initiate(Proposal{Title: "p"}, fiveAgents(), SessionOptions{})
	c.CastVote(session.ID, "a1", ChoiceYes, "")
	c.CastVote(session.ID, "a2", ChoiceNo, "")
	analysis, err := c.DetectConflicts(session.ID)
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	if len(analysis.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(analysis.Conflicts))
	}
	return analysis.Conflicts[0]
}

func TestMediateConflict(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()

	conflict := detectOne(t, c)

	working, err := c.InitiateResolution(conflict.ID, StrategyMediation)
	if err != nil {
		t.Fatalf("InitiateResolution: %v", err)
	}
	if working.Status != ConflictResolving {
		t.Errorf("status = %s, want resolving", working.Status)
	}
	if _, err := c.InitiateResolution(conflict.ID, StrategyEscalation); err == nil {
		t.Error("escalation strategy accepted by InitiateResolution")
	}

	mediated, err := c.Mediate(conflict.ID, "arbiter-1", "phase the rollout over two sprints")
	if err != nil {
		t.Fatalf("Mediate: %v", err)
	}
	if mediated.Status != ConflictMediated || mediated.Mediator != "arbiter-1" {
		t.Errorf("mediated = %+v", mediated)
	}
	if mediated.ResolvedAt.IsZero() {
		t.Error("no resolution timestamp")
	}

	if _, err := c.Mediate(conflict.ID, "", "x"); err == nil {
		t.Error("mediation without mediator accepted")
	}
	if _, err := c.Mediate("missing", "m", "p"); err == nil {
		t.Error("mediation of unknown conflict accepted")
	}
}

func TestEscalateConflict(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()

	conflict := detectOne(t, c)

	escalated, err := c.Escalate(conflict.ID, AuthorityDepartment, "split persists past deadline")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if escalated.Status != ConflictEscalated || escalated.Escalation == nil {
		t.Fatalf("escalated = %+v", escalated)
	}
	esc := escalated.Escalation
	if esc.Level != AuthorityDepartment {
		t.Errorf("level = %s", esc.Level)
	}
	if !esc.ReviewBy.Before(esc.DecideBy) || !esc.DecideBy.Before(esc.ImplementBy) {
		t.Errorf("timeline out of order: %+v", esc)
	}

	// Re-escalation must go strictly up the tiers.
	if _, err := c.Escalate(conflict.ID, AuthorityTeamLead, "r"); err == nil {
		t.Error("downward re-escalation accepted")
	}
	if _, err := c.Escalate(conflict.ID, AuthorityDepartment, "r"); err == nil {
		t.Error("same-tier re-escalation accepted")
	}
	if _, err := c.Escalate(conflict.ID, AuthorityBoard, "still unresolved"); err != nil {
		t.Errorf("upward re-escalation rejected: %v", err)
	}

	if _, err := c.Escalate(conflict.ID, "warlord", "r"); err == nil {
		t.Error("unknown authority level accepted")
	}
	if _, err := c.Escalate(conflict.ID, AuthorityExternal, ""); err == nil {
		t.Error("escalation without reason accepted")
	}
}

func TestResolveConflictIsTerminal(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()

	conflict := detectOne(t, c)

	if err := c.ResolveConflict(conflict.ID, "parties accepted the compromise"); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if err := c.ResolveConflict(conflict.ID, "again"); err == nil {
		t.Error("double resolution accepted")
	}
	if _, err := c.Mediate(conflict.ID, "m", "p"); err == nil {
		t.Error("mediation of resolved conflict accepted")
	}
	if _, err := c.Escalate(conflict.ID, AuthorityBoard, "r"); err == nil {
		t.Error("escalation of resolved conflict accepted")
	}

	got := c.ListConflicts(conflict.SessionID)
	if len(got) != 1 || got[0].Status != ConflictResolved {
		t.Errorf("ListConflicts = %+v", got)
	}
}
