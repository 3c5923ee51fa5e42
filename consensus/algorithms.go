package consensus

import (
	"fmt"
	"math"

	"github.com/govkit/govkit/errors"
)

// The evaluators in this file are stateless entry points for specific
// consensus protocols. They operate on explicit vote sets rather than
// coordinator sessions, so callers can run them over any collected
// round of acknowledgments.

// RaftResult is the outcome of a leader-commit evaluation.
type RaftResult struct {
	LeaderID  string `json:"leader_id"`
	Term      uint64 `json:"term"`
	LogIndex  uint64 `json:"log_index"`
	Acks      int    `json:"acks"`
	Needed    int    `json:"needed"`
	Committed bool   `json:"committed"`
}

// EvaluateRaftStyle applies leader-commit semantics: an entry proposed
// by the leader at (term, logIndex) commits once a majority of the
// cluster, leader included, has acknowledged it.
func EvaluateRaftStyle(leaderID string, term, logIndex uint64, clusterSize int, acks map[string]bool) (*RaftResult, error) {
	if leaderID == "" {
		return nil, errors.InvalidInput("no leader id")
	}
	if clusterSize <= 0 {
		return nil, errors.InvalidInput("cluster size must be positive")
	}

	count := 1 // the leader acknowledges its own entry
	for id, ok := range acks {
		if ok && id != leaderID {
			count++
		}
	}
	needed := clusterSize/2 + 1

	return &RaftResult{
		LeaderID:  leaderID,
		Term:      term,
		LogIndex:  logIndex,
		Acks:      count,
		Needed:    needed,
		Committed: count >= needed,
	}, nil
}

// BFTVote is one signed vote in a byzantine fault tolerant round.
type BFTVote struct {
	AgentID   string `json:"agent_id"`
	Approve   bool   `json:"approve"`
	Signature string `json:"signature"`
	Byzantine bool   `json:"byzantine,omitempty"` // flagged by prior detection
}

// BFTResult is the outcome of a BFT threshold evaluation.
type BFTResult struct {
	Approvals int  `json:"approvals"`
	Threshold int  `json:"threshold"`
	Flagged   int  `json:"flagged"`
	Agreed    bool `json:"agreed"`
}

// EvaluateBFT applies the ⌈(n+f)·2/3⌉+1 threshold over signed votes,
// where n is the cluster size and f the assumed byzantine capacity.
// Votes that are unsigned or flagged byzantine never count toward the
// threshold.
func EvaluateBFT(n, f int, votes []BFTVote) (*BFTResult, error) {
	if n <= 0 {
		return nil, errors.InvalidInput("cluster size must be positive")
	}
	if f < 0 || 3*f >= n {
		return nil, errors.InvalidInput(fmt.Sprintf("need n > 3f, got n=%d f=%d", n, f))
	}

	threshold := int(math.Ceil(float64(n+f)*2.0/3.0)) + 1
	res := &BFTResult{Threshold: threshold}
	for _, v := range votes {
		if v.Byzantine {
			res.Flagged++
			continue
		}
		if v.Signature == "" {
			continue
		}
		if v.Approve {
			res.Approvals++
		}
	}
	res.Agreed = res.Approvals >= threshold
	return res, nil
}

// PBFTPhase names a step of the three-phase protocol.
type PBFTPhase string

const (
	PhasePrePrepare PBFTPhase = "pre_prepare"
	PhasePrepare    PBFTPhase = "prepare"
	PhaseCommit     PBFTPhase = "commit"
)

// PBFTResult reports how far a request advanced through the phases.
type PBFTResult struct {
	ReachedPhase PBFTPhase `json:"reached_phase"`
	Needed       int       `json:"needed"`
	Committed    bool      `json:"committed"`
}

// EvaluatePBFT runs the three-phase commit check: pre-prepare needs the
// primary's proposal, then prepare and commit each need agreement from
// two thirds of the n replicas.
func EvaluatePBFT(n int, prePrepared bool, prepareAcks, commitAcks int) (*PBFTResult, error) {
	if n <= 0 {
		return nil, errors.InvalidInput("replica count must be positive")
	}
	needed := int(math.Ceil(float64(n) * 2.0 / 3.0))
	res := &PBFTResult{Needed: needed}

	if !prePrepared {
		return res, nil
	}
	res.ReachedPhase = PhasePrePrepare

	if prepareAcks < needed {
		return res, nil
	}
	res.ReachedPhase = PhasePrepare

	if commitAcks < needed {
		return res, nil
	}
	res.ReachedPhase = PhaseCommit
	res.Committed = true
	return res, nil
}

// WeightedVote is one vote with explicit direct and delegated weight.
type WeightedVote struct {
	AgentID         string  `json:"agent_id"`
	Choice          Choice  `json:"choice"`
	DirectWeight    float64 `json:"direct_weight"`
	DelegatedWeight float64 `json:"delegated_weight,omitempty"`
}

// WeightedResult is the outcome of a weighted evaluation with the
// direct/delegated breakdown per side.
type WeightedResult struct {
	YesWeight      float64 `json:"yes_weight"`
	NoWeight       float64 `json:"no_weight"`
	AbstainWeight  float64 `json:"abstain_weight"`
	DirectYes      float64 `json:"direct_yes"`
	DelegatedYes   float64 `json:"delegated_yes"`
	DirectNo       float64 `json:"direct_no"`
	DelegatedNo    float64 `json:"delegated_no"`
	TotalWeight    float64 `json:"total_weight"`
	Decision       string  `json:"decision"`
	DecisiveMargin float64 `json:"decisive_margin"`
}

// EvaluateWeighted decides for the option carrying the largest summed
// weight: approved when yes outweighs no, rejected otherwise, ties
// included. Abstentions appear in the totals but back no option.
func EvaluateWeighted(votes []WeightedVote) (*WeightedResult, error) {
	if len(votes) == 0 {
		return nil, errors.InvalidInput("no votes")
	}

	res := &WeightedResult{}
	for _, v := range votes {
		w := v.DirectWeight + v.DelegatedWeight
		if w <= 0 {
			return nil, errors.InvalidInput(
				fmt.Sprintf("agent %s has non-positive weight", v.AgentID))
		}
		res.TotalWeight += w
		switch v.Choice {
		case ChoiceYes:
			res.YesWeight += w
			res.DirectYes += v.DirectWeight
			res.DelegatedYes += v.DelegatedWeight
		case ChoiceNo:
			res.NoWeight += w
			res.DirectNo += v.DirectWeight
			res.DelegatedNo += v.DelegatedWeight
		default:
			res.AbstainWeight += w
		}
	}

	if res.YesWeight > res.NoWeight {
		res.Decision = DecisionApproved
	} else {
		res.Decision = DecisionRejected
	}
	res.DecisiveMargin = res.YesWeight - res.NoWeight
	return res, nil
}
