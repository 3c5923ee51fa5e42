package discovery

import (
	"math"
	"sort"
	"time"

	"github.com/govkit/govkit/errors"
)

// ScoreWeights weight the components of a discovery score. Zero value
// uses defaultWeights.
type ScoreWeights struct {
	Performance    float64 `json:"performance"`
	Responsiveness float64 `json:"responsiveness"`
	Distance       float64 `json:"distance"`
}

var defaultWeights = ScoreWeights{Performance: 0.5, Responsiveness: 0.3, Distance: 0.2}

func (w ScoreWeights) orDefault() ScoreWeights {
	if w.Performance == 0 && w.Responsiveness == 0 && w.Distance == 0 {
		return defaultWeights
	}
	return w
}

// Criteria filters and ranks discovery candidates. Zero fields are
// unconstrained.
type Criteria struct {
	Type                 string        `json:"type,omitempty"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	MinPerformance       float64       `json:"min_performance,omitempty"`
	MaxResponseTime      time.Duration `json:"max_response_time,omitempty"`
	PreferredLocation    *GeoLocation  `json:"preferred_location,omitempty"`
	Weights              ScoreWeights  `json:"weights,omitempty"`
	Limit                int           `json:"limit,omitempty"`
}

// Match is one ranked discovery candidate. MatchPercentage is 1.0 for
// full capability matches and the covered fraction for partial ones.
type Match struct {
	Agent           AgentDescriptor `json:"agent"`
	Score           float64         `json:"score"`
	MatchPercentage float64         `json:"match_percentage"`
}

// Result separates full matches from partial capability matches.
type Result struct {
	Matches        []Match `json:"matches"`
	PartialMatches []Match `json:"partial_matches,omitempty"`
}

// Discover returns actively registered agents ranked against the
// criteria. Agents meeting every hard constraint land in Matches, sorted
// by score descending with lower current load breaking ties; agents
// missing some required capabilities land in PartialMatches with their
// coverage percentage. Bad records are skipped, never fatal.
func (s *Service) Discover(criteria Criteria) (*Result, error) {
	weights := criteria.Weights.orDefault()
	res := &Result{}

	for _, agent := range s.activeDescriptors() {
		if criteria.Type != "" && agent.Type != criteria.Type {
			continue
		}
		if agent.PerformanceScore < criteria.MinPerformance {
			continue
		}
		if criteria.MaxResponseTime > 0 && agent.ResponseTime > criteria.MaxResponseTime {
			continue
		}

		pct := capabilityCoverage(agent.Capabilities, criteria.RequiredCapabilities)
		if pct == 0 && len(criteria.RequiredCapabilities) > 0 {
			continue
		}

		m := Match{
			Agent:           agent,
			Score:           score(agent, criteria.PreferredLocation, weights),
			MatchPercentage: pct,
		}
		if pct < 1.0 {
			res.PartialMatches = append(res.PartialMatches, m)
		} else {
			res.Matches = append(res.Matches, m)
		}
	}

	sortMatches(res.Matches)
	sortMatches(res.PartialMatches)
	if criteria.Limit > 0 && len(res.Matches) > criteria.Limit {
		res.Matches = res.Matches[:criteria.Limit]
	}
	return res, nil
}

// FindByCapability ranks agents against a required capability set. Full
// coverage lands in Matches with MatchPercentage 1.0; partial coverage in
// PartialMatches with the covered fraction.
func (s *Service) FindByCapability(required []string) (*Result, error) {
	if len(required) == 0 {
		return nil, errors.InvalidInput("no capabilities requested")
	}
	return s.Discover(Criteria{RequiredCapabilities: required})
}

// FindByType returns actively registered agents of one type.
func (s *Service) FindByType(agentType string) ([]AgentDescriptor, error) {
	if agentType == "" {
		return nil, errors.InvalidInput("empty agent type")
	}
	var out []AgentDescriptor
	for _, agent := range s.activeDescriptors() {
		if agent.Type == agentType {
			out = append(out, agent)
		}
	}
	return out, nil
}

// FindNearest returns agents within radius kilometers of a location,
// nearest first. Agents without a location are skipped.
func (s *Service) FindNearest(location GeoLocation, radiusKm float64) ([]Match, error) {
	if radiusKm <= 0 {
		return nil, errors.InvalidInput("radius must be positive")
	}

	var out []Match
	for _, agent := range s.activeDescriptors() {
		if agent.Location == nil {
			continue
		}
		d := distanceKm(location, *agent.Location)
		if d > radiusKm {
			continue
		}
		out = append(out, Match{
			Agent:           agent,
			Score:           1 - d/radiusKm,
			MatchPercentage: 1.0,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// capabilityCoverage computes |required ∩ agent| / |required|.
// No requirements means full coverage.
func capabilityCoverage(have []Capability, required []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	names := make(map[string]struct{}, len(have))
	for _, c := range have {
		names[c.Name] = struct{}{}
	}
	covered := 0
	for _, r := range required {
		if _, ok := names[r]; ok {
			covered++
		}
	}
	return float64(covered) / float64(len(required))
}

// score computes the weighted ranking of one agent: performance as-is,
// responsiveness decaying with response time, distance decaying toward
// the preferred location.
func score(agent AgentDescriptor, preferred *GeoLocation, w ScoreWeights) float64 {
	perf := clamp01(agent.PerformanceScore)

	responsiveness := 1.0
	if agent.ResponseTime > 0 {
		responsiveness = 1.0 / (1.0 + agent.ResponseTime.Seconds())
	}

	proximity := 1.0
	if preferred != nil {
		if agent.Location == nil {
			proximity = 0
		} else {
			// Decay to ~0.5 at 1000km.
			proximity = 1.0 / (1.0 + distanceKm(*preferred, *agent.Location)/1000.0)
		}
	}

	total := w.Performance + w.Responsiveness + w.Distance
	return (w.Performance*perf + w.Responsiveness*responsiveness + w.Distance*proximity) / total
}

// sortMatches orders by score descending; ties favor lower current load.
func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Score == ms[j].Score {
			return ms[i].Agent.CurrentLoad < ms[j].Agent.CurrentLoad
		}
		return ms[i].Score > ms[j].Score
	})
}

// distanceKm is the haversine great-circle distance.
func distanceKm(a, b GeoLocation) float64 {
	const earthRadiusKm = 6371.0
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
