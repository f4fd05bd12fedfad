// Package planeval scores execution plans across five weighted criteria and
// ranks competing plans against each other.
package planeval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"goa.design/coordctl/internal/eventbus"
)

// Criterion names one scoring dimension.
type Criterion string

// The five built-in criteria.
const (
	CriterionCompleteness Criterion = "completeness"
	CriterionFeasibility  Criterion = "feasibility"
	CriterionRisk         Criterion = "risk"
	CriterionClarity      Criterion = "clarity"
	CriterionEfficiency   Criterion = "efficiency"
)

// DefaultWeights sums to 1.
var DefaultWeights = map[Criterion]float64{
	CriterionCompleteness: 0.25,
	CriterionFeasibility:  0.25,
	CriterionRisk:         0.2,
	CriterionClarity:      0.15,
	CriterionEfficiency:   0.15,
}

const weightTolerance = 0.01

// TieMargin below which comparePlans flags needsReview.
const TieMargin = 5.0

var specificityPattern = regexp.MustCompile(`(?i)\b(must|shall|exactly|specifically|within \d+|by \d+)\b`)
var riskWords = []string{"risk", "mitigation", "rollback", "fallback", "contingency"}

// Step is one unit of work in a plan.
type Step struct {
	Description  string
	Dependencies []string
	Owner        string
}

// Plan is the subject of evaluation.
type Plan struct {
	ID          string
	Title       string
	Steps       []Step
	Risks       []string
	Mitigations []string
}

// Breakdown reports each criterion's contributing components.
type Breakdown map[Criterion]map[string]float64

// Evaluation is the result of EvaluatePlan.
type Evaluation struct {
	PlanTitle       string
	Scores          map[Criterion]float64
	Breakdown       Breakdown
	TotalScore      float64
	Recommendations []string
}

// PlanEvaluated is published on every EvaluatePlan call.
type PlanEvaluated struct{ Evaluation Evaluation }

// Evaluator scores plans against a weighted criteria set.
type Evaluator struct {
	weights map[Criterion]float64
	bus     *eventbus.Bus
}

// New constructs an Evaluator. customWeights, if non-nil, must sum to 1.0
// within tolerance 0.01.
func New(customWeights map[Criterion]float64) (*Evaluator, error) {
	weights := DefaultWeights
	if customWeights != nil {
		var sum float64
		for _, w := range customWeights {
			sum += w
		}
		if math.Abs(sum-1.0) > weightTolerance {
			return nil, errors.New("planeval: weights must sum to 1.0")
		}
		weights = customWeights
	}
	return &Evaluator{weights: weights, bus: eventbus.New()}, nil
}

// Events returns the bus plan:evaluated is published on.
func (e *Evaluator) Events() *eventbus.Bus { return e.bus }

// EvaluatePlan scores plan across all five criteria.
func (e *Evaluator) EvaluatePlan(ctx context.Context, plan Plan) Evaluation {
	breakdown := Breakdown{
		CriterionCompleteness: completenessBreakdown(plan),
		CriterionFeasibility:  feasibilityBreakdown(plan),
		CriterionRisk:         riskBreakdown(plan),
		CriterionClarity:      clarityBreakdown(plan),
		CriterionEfficiency:   efficiencyBreakdown(plan),
	}
	scores := map[Criterion]float64{}
	var total float64
	for c, parts := range breakdown {
		scores[c] = sumParts(parts)
		total += scores[c] * e.weights[c]
	}

	eval := Evaluation{
		PlanTitle: plan.Title, Scores: scores, Breakdown: breakdown, TotalScore: total,
		Recommendations: recommendationsFor(scores),
	}
	_ = e.bus.Publish(ctx, eventbus.Event{Type: "plan:evaluated", Payload: PlanEvaluated{Evaluation: eval}})
	return eval
}

func completenessBreakdown(plan Plan) map[string]float64 {
	stepScore := capFloat(float64(len(plan.Steps))*12, 70)
	ownerCoverage := 0.0
	if len(plan.Steps) > 0 {
		owned := 0
		for _, s := range plan.Steps {
			if s.Owner != "" {
				owned++
			}
		}
		ownerCoverage = float64(owned) / float64(len(plan.Steps)) * 30
	}
	return map[string]float64{"stepCoverage": stepScore, "ownerCoverage": ownerCoverage}
}

func feasibilityBreakdown(plan Plan) map[string]float64 {
	depIssues := 0
	ids := map[string]bool{}
	for _, s := range plan.Steps {
		ids[s.Description] = true
	}
	for _, s := range plan.Steps {
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				depIssues++
			}
		}
	}
	base := 80.0 - float64(depIssues)*15
	if base < 0 {
		base = 0
	}
	return map[string]float64{"dependencyIntegrity": base, "baseline": 20}
}

func riskBreakdown(plan Plan) map[string]float64 {
	coverage := capFloat(float64(len(plan.Risks))*15, 50)
	mitigationQuality := capFloat(float64(len(plan.Mitigations))*15, 50)
	return map[string]float64{"coverage": coverage, "mitigationQuality": mitigationQuality}
}

func clarityBreakdown(plan Plan) map[string]float64 {
	var hits int
	for _, s := range plan.Steps {
		if specificityPattern.MatchString(s.Description) {
			hits++
		}
	}
	specificity := capFloat(float64(hits)*20, 70)
	titleScore := 0.0
	if len(strings.Fields(plan.Title)) >= 3 {
		titleScore = 30
	}
	return map[string]float64{"specificity": specificity, "titleClarity": titleScore}
}

func efficiencyBreakdown(plan Plan) map[string]float64 {
	if len(plan.Steps) == 0 {
		return map[string]float64{"parallelizable": 0}
	}
	independent := 0
	for _, s := range plan.Steps {
		if len(s.Dependencies) == 0 {
			independent++
		}
	}
	score := float64(independent) / float64(len(plan.Steps)) * 100
	return map[string]float64{"parallelizable": score}
}

func sumParts(parts map[string]float64) float64 {
	var sum float64
	for _, v := range parts {
		sum += v
	}
	if sum > 100 {
		sum = 100
	}
	return sum
}

func recommendationsFor(scores map[Criterion]float64) []string {
	var out []string
	if scores[CriterionRisk] < 40 {
		out = append(out, "add explicit risk mitigations")
	}
	if scores[CriterionClarity] < 40 {
		out = append(out, "make step descriptions more specific")
	}
	if scores[CriterionEfficiency] < 30 {
		out = append(out, "look for steps that can run in parallel")
	}
	return out
}

// Ranking is one plan's position in a comparison.
type Ranking struct {
	PlanID     string
	TotalScore float64
	Rank       int
}

// Comparison is the result of ComparePlans.
type Comparison struct {
	Rankings    []Ranking
	Winner      string
	Margin      float64
	NeedsReview bool
}

// ComparePlans ranks 2 to 5 plans by total score.
func (e *Evaluator) ComparePlans(ctx context.Context, plans []Plan) (Comparison, error) {
	if len(plans) < 2 || len(plans) > 5 {
		return Comparison{}, fmt.Errorf("planeval: comparePlans requires 2-5 plans, got %d", len(plans))
	}
	rankings := make([]Ranking, 0, len(plans))
	for _, p := range plans {
		eval := e.EvaluatePlan(ctx, p)
		rankings = append(rankings, Ranking{PlanID: p.ID, TotalScore: eval.TotalScore})
	}
	sort.Slice(rankings, func(i, j int) bool { return rankings[i].TotalScore > rankings[j].TotalScore })
	for i := range rankings {
		rankings[i].Rank = i + 1
	}
	margin := 0.0
	if len(rankings) >= 2 {
		margin = rankings[0].TotalScore - rankings[1].TotalScore
	}
	return Comparison{
		Rankings: rankings, Winner: rankings[0].PlanID, Margin: margin,
		NeedsReview: margin < TieMargin,
	}, nil
}

func capFloat(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}
