package discovery

import (
	"fmt"
	"sort"

	"github.com/govkit/govkit/errors"
)

// Strategy selects among matching agents for load-balanced dispatch.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyPerformance Strategy = "performance"
	StrategyGeographic  Strategy = "geographic"
)

// SelectAgent returns one agent from the criteria's full matches using
// the given strategy. Round-robin keeps a cursor per (type, strategy)
// so repeated calls rotate through the candidate set.
func (s *Service) SelectAgent(criteria Criteria, strategy Strategy) (*AgentDescriptor, error) {
	res, err := s.Discover(criteria)
	if err != nil {
		return nil, err
	}
	if len(res.Matches) == 0 {
		return nil, errors.NotFound("no agents match the selection criteria")
	}
	candidates := res.Matches

	switch strategy {
	case StrategyRoundRobin:
		// Stable order so the cursor rotates deterministically.
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Agent.ID < candidates[j].Agent.ID
		})
		key := criteria.Type + "/" + string(strategy)
		s.rrMu.Lock()
		idx := s.rrCursors[key] % len(candidates)
		s.rrCursors[key]++
		s.rrMu.Unlock()
		agent := candidates[idx].Agent
		return &agent, nil

	case StrategyLeastLoaded:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Agent.CurrentLoad < candidates[j].Agent.CurrentLoad
		})

	case StrategyPerformance:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Agent.PerformanceScore > candidates[j].Agent.PerformanceScore
		})

	case StrategyGeographic:
		if criteria.PreferredLocation == nil {
			return nil, errors.InvalidInput("geographic strategy needs a preferred location")
		}
		sort.Slice(candidates, func(i, j int) bool {
			return locDistance(candidates[i].Agent, *criteria.PreferredLocation) <
				locDistance(candidates[j].Agent, *criteria.PreferredLocation)
		})

	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unknown strategy %q", strategy))
	}

	agent := candidates[0].Agent
	return &agent, nil
}

// locDistance ranks agents without a location last.
func locDistance(agent AgentDescriptor, from GeoLocation) float64 {
	if agent.Location == nil {
		return 1e12
	}
	return distanceKm(from, *agent.Location)
}
