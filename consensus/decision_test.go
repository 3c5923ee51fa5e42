package consensus

import (
	"strings"
	"testing"
)

func openDecision(t *testing.T, c *Coordinator) *DecisionSession {
	t.Helper()
	ds, err := c.CreateDecisionSession("migrate the event store", []string{"a1", "a2", "a3"})
	if err != nil {
		t.Fatalf("CreateDecisionSession: %v", err)
	}
	return ds
}

func TestCreateDecisionSessionValidation(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()

	if _, err := c.CreateDecisionSession("", []string{"a1"}); err == nil {
		t.Error("empty topic accepted")
	}
	if _, err := c.CreateDecisionSession("t", nil); err == nil {
		t.Error("empty participant set accepted")
	}

	ds := openDecision(t, c)
	if ds.Status != DecisionOpen {
		t.Errorf("status = %s, want open", ds.Status)
	}

	got, err := c.GetDecisionSession(ds.ID)
	if err != nil {
		t.Fatalf("GetDecisionSession: %v", err)
	}
	if got.Topic != "migrate the event store" {
		t.Errorf("topic = %q", got.Topic)
	}
}

func TestContributeValidation(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()
	ds := openDecision(t, c)

	if _, err := c.Contribute(ds.ID, "a1", "", "support"); err == nil {
		t.Error("empty contribution accepted")
	}
	if _, err := c.Contribute(ds.ID, "a1", "x", "undecided-ish"); err == nil {
		t.Error("unknown position accepted")
	}
	if _, err := c.Contribute(ds.ID, "outsider", "x", "support"); err == nil {
		t.Error("non-participant contribution accepted")
	}
	if _, err := c.Contribute("missing", "a1", "x", "support"); err == nil {
		t.Error("contribution to unknown session accepted")
	}

	contrib, err := c.Contribute(ds.ID, "a1", "start with the cold partitions", "support")
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if contrib.ID == "" || contrib.AgentID != "a1" {
		t.Errorf("contribution = %+v", contrib)
	}
}

func TestSynthesizeMajoritySupport(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()
	ds := openDecision(t, c)

	if _, err := c.Synthesize(ds.ID); err == nil {
		t.Error("synthesis without contributions accepted")
	}

	c.Contribute(ds.ID, "a1", "migration unlocks partition rebalancing", "support")
	c.Contribute(ds.ID, "a2", "migration risk is manageable with a staged rollout", "support")
	c.Contribute(ds.ID, "a3", "migration window conflicts with the release freeze", "oppose")

	syn, err := c.Synthesize(ds.ID)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if syn.Recommendation != "proceed with noted objections" {
		t.Errorf("recommendation = %q", syn.Recommendation)
	}
	if len(syn.DisagreementAreas) == 0 {
		t.Error("split positions produced no disagreement areas")
	}
	if syn.Confidence <= 0.6 || syn.Confidence >= 0.7 {
		t.Errorf("confidence = %v, want 2/3", syn.Confidence)
	}
	// "migration" appears in every contribution and must rank first.
	if len(syn.KeyPoints) == 0 || syn.KeyPoints[0] != "migration" {
		t.Errorf("key points = %v", syn.KeyPoints)
	}

	got, _ := c.GetDecisionSession(ds.ID)
	if got.Status != DecisionSynthesized {
		t.Errorf("status = %s, want synthesized", got.Status)
	}
}

func TestSynthesizeUnanimousAndNeutral(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()

	unanimous := openDecision(t, c)
	c.Contribute(unanimous.ID, "a1", "ready when the index backfill lands", "support")
	c.Contribute(unanimous.ID, "a2", "no objection from the broker side", "support")
	syn, err := c.Synthesize(unanimous.ID)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if syn.Recommendation != "proceed" || len(syn.ConsensusAreas) == 0 {
		t.Errorf("synthesis = %+v", syn)
	}

	neutral := openDecision(t, c)
	c.Contribute(neutral.ID, "a1", "need more load numbers first", "")
	syn, err = c.Synthesize(neutral.ID)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if syn.Recommendation != "gather further input" {
		t.Errorf("recommendation = %q", syn.Recommendation)
	}
	found := false
	for _, area := range syn.DisagreementAreas {
		if strings.Contains(area, "no participant") {
			found = true
		}
	}
	if !found {
		t.Errorf("disagreement areas = %v, want the no-position note", syn.DisagreementAreas)
	}
}

func TestContributionInvalidatesSynthesis(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()
	ds := openDecision(t, c)

	c.Contribute(ds.ID, "a1", "proceed with the migration", "support")
	if _, err := c.Synthesize(ds.ID); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	// A late contribution reopens the session and drops the synthesis.
	if _, err := c.Contribute(ds.ID, "a2", "hold until the audit completes", "oppose"); err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	got, _ := c.GetDecisionSession(ds.ID)
	if got.Status != DecisionOpen || got.Synthesis != nil {
		t.Errorf("status=%s synthesis=%+v, want reopened without synthesis", got.Status, got.Synthesis)
	}
}

func TestFinalizeDecision(t *testing.T) {
	c := newTestCoordinator()
	defer c.Close()
	ds := openDecision(t, c)

	c.Contribute(ds.ID, "a1", "proceed with the migration", "support")

	// Finalization requires a synthesis on record.
	if _, err := c.FinalizeDecision(ds.ID, "migrate", "lead-1", nil); err == nil {
		t.Error("finalization without synthesis accepted")
	}

	if _, err := c.Synthesize(ds.ID); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if _, err := c.FinalizeDecision(ds.ID, "", "lead-1", nil); err == nil {
		t.Error("empty decision accepted")
	}
	if _, err := c.FinalizeDecision(ds.ID, "migrate", "", nil); err == nil {
		t.Error("missing approver accepted")
	}

	final, err := c.FinalizeDecision(ds.ID, "migrate", "lead-1", []string{"backfill", "cut over"})
	if err != nil {
		t.Fatalf("FinalizeDecision: %v", err)
	}
	if final.Status != DecisionFinalized || final.FinalDecision == nil {
		t.Fatalf("session = %+v", final)
	}
	if final.FinalDecision.ApprovedBy != "lead-1" || len(final.FinalDecision.ImplementationPlan) != 2 {
		t.Errorf("final decision = %+v", final.FinalDecision)
	}

	// Finalized is terminal.
	if _, err := c.Contribute(ds.ID, "a1", "late thought", ""); err == nil {
		t.Error("contribution after finalization accepted")
	}
	if _, err := c.Synthesize(ds.ID); err == nil {
		t.Error("synthesis after finalization accepted")
	}
	if _, err := c.FinalizeDecision(ds.ID, "again", "lead-1", nil); err == nil {
		t.Error("double finalization accepted")
	}
}
