package matching

import (
	"math"
	"strings"
)

// Score weights. They sum to 1.
const (
	WeightCondition   = 0.30
	WeightDemographic = 0.20
	WeightCriteria    = 0.35
	WeightProximity   = 0.15
)

// ConditionMatchScore scores lexical overlap between patient and trial
// conditions. A trial condition counts as matched when some patient
// condition contains at least half of its words (rounded up).
func ConditionMatchScore(patientConditions, trialConditions []string) int {
	if len(trialConditions) == 0 {
		return 100
	}
	if len(patientConditions) == 0 {
		return 0
	}
	patient := lowerAll(patientConditions)

	matched := 0
	for _, tc := range trialConditions {
		if conditionMatched(tc, patient) {
			matched++
		}
	}
	return percent(matched, len(trialConditions))
}

func conditionMatched(trialCondition string, patient []string) bool {
	words := conditionWords(trialCondition)
	if len(words) == 0 {
		tc := strings.ToLower(strings.TrimSpace(trialCondition))
		if tc == "" {
			return false
		}
		for _, pc := range patient {
			if strings.Contains(pc, tc) {
				return true
			}
		}
		return false
	}
	need := int(math.Ceil(0.5 * float64(len(words))))
	for _, pc := range patient {
		hits := 0
		for _, w := range words {
			if strings.Contains(pc, w) {
				hits++
			}
		}
		if hits >= need {
			return true
		}
	}
	return false
}

// conditionWords returns the lowercase words of s longer than three characters.
func conditionWords(s string) []string {
	var out []string
	for _, w := range tokenize(strings.ToLower(s)) {
		if len([]rune(w)) > 3 {
			out = append(out, w)
		}
	}
	return out
}

// ProximityScore maps a distance to a step score. A nil distance means no
// location data and scores neutral.
func ProximityScore(distance *float64, maxDistance float64) int {
	if distance == nil {
		return 50
	}
	d := *distance
	switch {
	case d <= 25:
		return 100
	case d <= 50:
		return 80
	case d <= maxDistance:
		return 60
	default:
		return 40
	}
}

// OverallScore folds the component scores with the fixed weights.
func OverallScore(s ScoreBreakdown) int {
	v := WeightCondition*float64(s.ConditionMatch) +
		WeightDemographic*float64(s.DemographicMatch) +
		WeightCriteria*float64(s.CriteriaMatch) +
		WeightProximity*float64(s.ProximityScore)
	return clampScore(int(math.Round(v)))
}
