package matching

import (
	"fmt"
	"math"
	"strings"
)

// IDs of the built-in demographic and condition evaluations.
const (
	EvalAge        = "age"
	EvalGender     = "gender"
	EvalConditions = "conditions"
)

var genderSynonyms = map[string][]string{
	"male":   {"male", "m", "man"},
	"female": {"female", "f", "woman"},
}

// canonicalGender folds a gender synonym onto its canonical form, so "F"
// and "woman" both become "female". Unknown values are only lowercased.
func canonicalGender(g string) string {
	g = strings.ToLower(strings.TrimSpace(g))
	for canon, synonyms := range genderSynonyms {
		for _, s := range synonyms {
			if g == s {
				return canon
			}
		}
	}
	return g
}

// EligibilityEngine runs the demographic checks and every structured
// criterion of a trial, then classifies the outcome.
type EligibilityEngine struct {
	criteria *CriterionEvaluator
}

func NewEligibilityEngine(criteria *CriterionEvaluator) *EligibilityEngine {
	if criteria == nil {
		criteria = NewCriterionEvaluator(nil)
	}
	return &EligibilityEngine{criteria: criteria}
}

// Evaluate is total over its inputs: absent constraints are treated as no
// constraint and absent patient data as uncertainty.
func (e *EligibilityEngine) Evaluate(p *PatientProfile, t *Trial) EligibilityResult {
	if p == nil {
		p = &PatientProfile{Demographics: Demographics{Age: -1}}
	}
	el := t.Eligibility
	var evals []CriterionEvaluation

	if el.MinimumAge != nil || el.MaximumAge != nil {
		evals = append(evals, evaluateAgeRange(p.Demographics.Age, el.MinimumAge, el.MaximumAge))
	}
	evals = append(evals, evaluateGender(p.Demographics.Gender, el.Gender))

	for _, c := range el.Criteria.Inclusion {
		evals = append(evals, e.criteria.Evaluate(c, p, Inclusion))
	}
	for _, c := range el.Criteria.Exclusion {
		evals = append(evals, e.criteria.Evaluate(c, p, Exclusion))
	}
	if conds := t.conditions(); len(conds) > 0 {
		evals = append(evals, evaluateConditionOverlap(p, conds))
	}

	dedupeIDs(evals)
	return classify(evals)
}

func evaluateAgeRange(age int, minAge, maxAge *int) CriterionEvaluation {
	ev := CriterionEvaluation{
		CriterionID:   EvalAge,
		Text:          ageRangeText(minAge, maxAge),
		Direction:     Inclusion,
		RequiredValue: ageRangeText(minAge, maxAge),
		demographic:   true,
	}
	if age < 0 {
		return uncertain(ev, "patient age unknown")
	}
	ev.MatchedValue = age
	switch {
	case minAge != nil && age < *minAge:
		ev.Result = ResultNotMet
		ev.Reason = fmt.Sprintf("age %d is below minimum %d", age, *minAge)
	case maxAge != nil && age > *maxAge:
		ev.Result = ResultNotMet
		ev.Reason = fmt.Sprintf("age %d is above maximum %d", age, *maxAge)
	default:
		ev.Result = ResultMet
		ev.Reason = fmt.Sprintf("age %d is within %s", age, ev.Text)
	}
	return ev
}

func ageRangeText(minAge, maxAge *int) string {
	switch {
	case minAge != nil && maxAge != nil:
		return fmt.Sprintf("age %d-%d", *minAge, *maxAge)
	case minAge != nil:
		return fmt.Sprintf("age >= %d", *minAge)
	default:
		return fmt.Sprintf("age <= %d", *maxAge)
	}
}

func evaluateGender(patientGender, restriction string) CriterionEvaluation {
	ev := CriterionEvaluation{
		CriterionID: EvalGender,
		Text:        "gender",
		Direction:   Inclusion,
		demographic: true,
	}
	want := strings.ToLower(strings.TrimSpace(restriction))
	if want == "" || want == "all" || want == "any" {
		ev.Result = ResultMet
		ev.Reason = "no gender restriction"
		return ev
	}
	ev.RequiredValue = want
	have := strings.ToLower(strings.TrimSpace(patientGender))
	if have == "" {
		return uncertain(ev, "patient gender unknown")
	}
	ev.MatchedValue = patientGender
	synonyms, ok := genderSynonyms[want]
	if !ok {
		synonyms = []string{want}
	}
	for _, s := range synonyms {
		if have == s {
			ev.Result = ResultMet
			ev.Reason = fmt.Sprintf("gender %s matches %s", have, want)
			return ev
		}
	}
	ev.Result = ResultNotMet
	ev.Reason = fmt.Sprintf("trial is restricted to %s", want)
	return ev
}

// evaluateConditionOverlap never yields not_met: a missing condition on the
// profile is not proof of ineligibility.
func evaluateConditionOverlap(p *PatientProfile, trialConditions []string) CriterionEvaluation {
	ev := CriterionEvaluation{
		CriterionID:   EvalConditions,
		Text:          "trial conditions",
		Direction:     Inclusion,
		RequiredValue: trialConditions,
	}
	patient := patientConditionTerms(p)
	for _, tc := range trialConditions {
		words := conditionWords(tc)
		if len(words) == 0 {
			continue
		}
		for _, pc := range patient {
			pw := conditionWords(pc)
			if len(pw) == 0 {
				continue
			}
			overlap := 0
			for _, w := range words {
				if containsWord(pw, w) {
					overlap++
				}
			}
			if float64(overlap)/float64(len(words)) >= 0.5 {
				ev.Result = ResultMet
				ev.MatchedValue = pc
				ev.Reason = fmt.Sprintf("patient condition %q matches trial condition %q", pc, tc)
				return ev
			}
		}
	}
	return uncertain(ev, "no patient condition overlaps the trial conditions")
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}

// dedupeIDs makes evaluation ids unique so the result lists partition
// cleanly. Colliding ids are prefixed with their direction.
func dedupeIDs(evals []CriterionEvaluation) {
	seen := make(map[string]int, len(evals))
	for i := range evals {
		id := evals[i].CriterionID
		if id == "" {
			id = fmt.Sprintf("%s:%d", evals[i].Direction, i)
		}
		if _, dup := seen[id]; dup {
			id = fmt.Sprintf("%s:%s", evals[i].Direction, id)
			for n := 2; ; n++ {
				if _, dup := seen[id]; !dup {
					break
				}
				id = fmt.Sprintf("%s:%s#%d", evals[i].Direction, evals[i].CriterionID, n)
			}
		}
		seen[id] = i
		evals[i].CriterionID = id
	}
}

func classify(evals []CriterionEvaluation) EligibilityResult {
	res := EligibilityResult{
		MatchedCriteria:   []string{},
		UnmatchedCriteria: []string{},
		UncertainCriteria: []string{},
		Evaluations:       evals,
	}
	for _, ev := range evals {
		switch ev.Result {
		case ResultMet:
			res.MatchedCriteria = append(res.MatchedCriteria, ev.CriterionID)
		case ResultNotMet:
			res.UnmatchedCriteria = append(res.UnmatchedCriteria, ev.CriterionID)
		case ResultUncertain:
			res.UncertainCriteria = append(res.UncertainCriteria, ev.CriterionID)
		}
	}

	met, notMet, unc := len(res.MatchedCriteria), len(res.UnmatchedCriteria), len(res.UncertainCriteria)
	total := met + notMet + unc
	switch {
	case total == 0:
		res.Status = StatusUnknown
	case notMet > 0:
		// Covers failed inclusions and exclusions whose condition is present.
		res.Status = StatusIneligible
	case unc == 0:
		res.Status = StatusEligible
	default:
		res.Status = StatusPotentiallyEligible
	}
	if total > 0 {
		res.Score = percent(met, total)
	}
	res.IsEligible = res.Status == StatusEligible || res.Status == StatusPotentiallyEligible
	return res
}

// DemographicScore is the share of age and gender evaluations that were met,
// or 100 when none were evaluated.
func DemographicScore(evals []CriterionEvaluation) int {
	met, total := 0, 0
	for _, ev := range evals {
		if !ev.demographic || ev.Result == ResultNotEvaluated {
			continue
		}
		total++
		if ev.Result == ResultMet {
			met++
		}
	}
	if total == 0 {
		return 100
	}
	return percent(met, total)
}

func percent(n, total int) int {
	return clampScore(int(math.Round(100 * float64(n) / float64(total))))
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
