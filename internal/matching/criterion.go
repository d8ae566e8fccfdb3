package matching

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

const manualReview = "requires manual evaluation"

// CriterionEvaluator evaluates one structured criterion against a patient.
// It holds only read-only tables and is safe for concurrent use.
type CriterionEvaluator struct {
	lex *Lexicon
}

// NewCriterionEvaluator creates an evaluator over lex, or the default
// lexicon when lex is nil.
func NewCriterionEvaluator(lex *Lexicon) *CriterionEvaluator {
	if lex == nil {
		lex = DefaultLexicon()
	}
	if lex.stop == nil {
		lex.index()
	}
	return &CriterionEvaluator{lex: lex}
}

// Evaluate never fails: missing or unexpected data yields ResultUncertain.
func (e *CriterionEvaluator) Evaluate(c CriterionItem, p *PatientProfile, dir Direction) (ev CriterionEvaluation) {
	ev = CriterionEvaluation{
		CriterionID:   c.ID,
		Text:          c.Text,
		Direction:     dir,
		RequiredValue: c.Value,
	}
	defer func() {
		if r := recover(); r != nil {
			ev.Result = ResultUncertain
			ev.Reason = fmt.Sprintf("evaluation failed (%v); %s", r, manualReview)
		}
	}()

	if p == nil {
		return uncertain(ev, "no patient profile; "+manualReview)
	}
	if c.Category == "" {
		if strings.TrimSpace(c.Text) == "" && c.Field == "" {
			ev.Result = ResultNotEvaluated
			ev.Reason = "criterion has no text or structure"
			return ev
		}
		return uncertain(ev, manualReview)
	}

	switch c.Category {
	case CategoryDemographics:
		return e.evalDemographics(c, p, ev)
	case CategoryLaboratory:
		return e.evalLaboratory(c, p, ev)
	case CategoryCondition:
		return e.evalCondition(c, p, ev)
	case CategoryTreatmentHistory:
		return e.evalTreatment(c, p, ev)
	case CategoryPerformanceStatus:
		return uncertain(ev, "performance status is not recorded on the profile; "+manualReview)
	default:
		return uncertain(ev, fmt.Sprintf("unrecognized category %q; %s", c.Category, manualReview))
	}
}

func (e *CriterionEvaluator) evalDemographics(c CriterionItem, p *PatientProfile, ev CriterionEvaluation) CriterionEvaluation {
	switch strings.ToLower(strings.TrimSpace(c.Field)) {
	case "age":
		if p.Demographics.Age < 0 {
			return uncertain(ev, "patient age unknown")
		}
		ev.MatchedValue = p.Demographics.Age
		return e.applyComparison(ev, float64(p.Demographics.Age), c, "age")
	case "gender", "sex":
		if strings.TrimSpace(p.Demographics.Gender) == "" {
			return uncertain(ev, "patient gender unknown")
		}
		ev.MatchedValue = p.Demographics.Gender
		c.Value = canonicalGenderValue(c.Value)
		return e.applyComparison(ev, canonicalGender(p.Demographics.Gender), c, "gender")
	case "":
		return uncertain(ev, manualReview)
	default:
		return uncertain(ev, fmt.Sprintf("demographic field %q %s", c.Field, manualReview))
	}
}

// canonicalGenderValue applies canonicalGender to a criterion value, which
// may be a single string or a list for in/not_in.
func canonicalGenderValue(v any) any {
	switch x := v.(type) {
	case string:
		return canonicalGender(x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = canonicalGender(s)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			if s, ok := item.(string); ok {
				out[i] = canonicalGender(s)
			} else {
				out[i] = item
			}
		}
		return out
	}
	return v
}

func (e *CriterionEvaluator) evalLaboratory(c CriterionItem, p *PatientProfile, ev CriterionEvaluation) CriterionEvaluation {
	if strings.TrimSpace(c.Field) == "" {
		return uncertain(ev, manualReview)
	}
	lab := e.findLab(c.Field, p.LabResults)
	if lab == nil {
		return uncertain(ev, fmt.Sprintf("no %s result on file", c.Field))
	}
	if math.IsNaN(lab.Value) || math.IsInf(lab.Value, 0) {
		return uncertain(ev, fmt.Sprintf("%s result is not a number", c.Field))
	}
	if c.Unit != "" && lab.Unit != "" && !strings.EqualFold(c.Unit, lab.Unit) {
		return uncertain(ev, fmt.Sprintf("%s unit mismatch (%s vs %s); %s", c.Field, lab.Unit, c.Unit, manualReview))
	}
	ev.MatchedValue = lab.Value
	return e.applyComparison(ev, lab.Value, c, c.Field)
}

// applyComparison compares actual with the criterion value and applies the
// inclusion/exclusion inversion: for exclusions a holding comparison means
// the patient has the excluded characteristic.
func (e *CriterionEvaluator) applyComparison(ev CriterionEvaluation, actual any, c CriterionItem, label string) CriterionEvaluation {
	holds, ok := compare(actual, c.Operator, c.Value)
	if !ok {
		return uncertain(ev, fmt.Sprintf("cannot compare %s using %q; %s", label, c.Operator, manualReview))
	}
	expr := fmt.Sprintf("%s %v %s %v", label, actual, c.Operator, formatValue(c.Value))
	ev.Result = applyDirection(holds, ev.Direction)
	switch {
	case ev.Direction == Exclusion && holds:
		ev.Reason = "excluded: " + expr
	case ev.Direction == Exclusion:
		ev.Reason = "not excluded: " + expr + " does not hold"
	case holds:
		ev.Reason = "satisfied: " + expr
	default:
		ev.Reason = "not satisfied: " + expr + " does not hold"
	}
	return ev
}

func (e *CriterionEvaluator) evalCondition(c CriterionItem, p *PatientProfile, ev CriterionEvaluation) CriterionEvaluation {
	keywords := e.keywords(c.Text, c.Field)
	if len(keywords) == 0 {
		return uncertain(ev, "no usable keywords; "+manualReview)
	}
	terms := patientConditionTerms(p)
	if hit, term := firstHit(keywords, terms); hit != "" {
		ev.MatchedValue = term
		if ev.Direction == Exclusion {
			ev.Result = ResultNotMet
			ev.Reason = fmt.Sprintf("patient has excluded condition %q", term)
			return ev
		}
		ev.Result = ResultMet
		ev.Reason = fmt.Sprintf("patient condition %q matches %q", term, hit)
		return ev
	}
	if ev.Direction == Exclusion {
		ev.Result = ResultMet
		ev.Reason = "no matching condition on record; not excluded"
		return ev
	}
	return uncertain(ev, "no matching condition on record; manual review")
}

func (e *CriterionEvaluator) evalTreatment(c CriterionItem, p *PatientProfile, ev CriterionEvaluation) CriterionEvaluation {
	keywords := e.keywords(c.Text, c.Field)
	if len(keywords) == 0 {
		return uncertain(ev, "no usable keywords; "+manualReview)
	}
	treatments := patientTreatmentTerms(p)
	var found string
	for _, kw := range keywords {
		if _, term := firstHit(e.lex.treatmentTerms(kw), treatments); term != "" {
			found = term
			break
		}
	}

	// Prior-treatment requirements cannot be confirmed from keywords alone.
	if ev.Direction == Inclusion {
		if found != "" {
			ev.MatchedValue = found
			return uncertain(ev, fmt.Sprintf("related treatment %q on record; %s", found, manualReview))
		}
		return uncertain(ev, "treatment history "+manualReview)
	}
	if found != "" {
		ev.MatchedValue = found
		ev.Result = ResultNotMet
		ev.Reason = fmt.Sprintf("patient has excluded treatment %q", found)
		return ev
	}
	ev.Result = ResultMet
	ev.Reason = "no excluded treatment on record"
	return ev
}

// findLab returns the most recent lab result matching the field's aliases.
// Aliases shorter than four characters must match the code or a whole word
// of the display name, so "hb" does not pick up "HbA1c".
func (e *CriterionEvaluator) findLab(field string, labs []LabResult) *LabResult {
	aliases := e.lex.labAliases(field)
	var best *LabResult
	for i := range labs {
		lab := &labs[i]
		if !labMatches(lab, aliases) {
			continue
		}
		if best == nil || lab.Date.After(best.Date) {
			best = lab
		}
	}
	return best
}

func labMatches(lab *LabResult, aliases []string) bool {
	code := strings.ToLower(strings.TrimSpace(lab.Code))
	name := strings.ToLower(lab.DisplayName)
	words := tokenize(name)
	for _, alias := range aliases {
		if alias == "" {
			continue
		}
		if code == alias {
			return true
		}
		if len(alias) >= 4 {
			if strings.Contains(code, alias) || strings.Contains(name, alias) {
				return true
			}
			continue
		}
		for _, w := range words {
			if w == alias {
				return true
			}
		}
	}
	return false
}

// keywords extracts lowercase tokens longer than three characters that are
// not stop words, in first-seen order.
func (e *CriterionEvaluator) keywords(texts ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, text := range texts {
		for _, w := range tokenize(strings.ToLower(text)) {
			if len([]rune(w)) <= 3 || e.lex.isStopWord(w) || seen[w] {
				continue
			}
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func patientConditionTerms(p *PatientProfile) []string {
	terms := make([]string, 0, len(p.Conditions)+len(p.CodedConditions))
	for _, c := range p.Conditions {
		terms = append(terms, strings.ToLower(c))
	}
	for _, c := range p.CodedConditions {
		if c.Display != "" {
			terms = append(terms, strings.ToLower(c.Display))
		}
	}
	return terms
}

func patientTreatmentTerms(p *PatientProfile) []string {
	terms := make([]string, 0, len(p.Medications)+len(p.Procedures))
	for _, m := range p.Medications {
		if m.Name != "" {
			terms = append(terms, strings.ToLower(m.Name))
		}
	}
	for _, pr := range p.Procedures {
		if pr.Display != "" {
			terms = append(terms, strings.ToLower(pr.Display))
		}
	}
	return terms
}

// firstHit returns the first needle contained in any haystack entry along
// with that entry.
func firstHit(needles, haystack []string) (string, string) {
	for _, n := range needles {
		if n == "" {
			continue
		}
		for _, h := range haystack {
			if strings.Contains(h, n) {
				return n, h
			}
		}
	}
	return "", ""
}

func applyDirection(holds bool, dir Direction) Result {
	if dir == Exclusion {
		if holds {
			return ResultNotMet
		}
		return ResultMet
	}
	if holds {
		return ResultMet
	}
	return ResultNotMet
}

func uncertain(ev CriterionEvaluation, reason string) CriterionEvaluation {
	ev.Result = ResultUncertain
	ev.Reason = reason
	return ev
}

// compare applies op to actual and required. ok is false when the operator
// is unknown or the operands cannot be compared.
func compare(actual any, op Operator, required any) (holds bool, ok bool) {
	switch op {
	case OpGt, OpLt, OpGte, OpLte:
		a, aok := numeric(actual)
		r, rok := numeric(required)
		if !aok || !rok {
			return false, false
		}
		switch op {
		case OpGt:
			return a > r, true
		case OpLt:
			return a < r, true
		case OpGte:
			return a >= r, true
		default:
			return a <= r, true
		}
	case OpEq:
		return equalValues(actual, required)
	case OpNe:
		eq, ok := equalValues(actual, required)
		return !eq, ok
	case OpContains:
		a, aok := actual.(string)
		r, rok := required.(string)
		if !aok || !rok {
			return false, false
		}
		return strings.Contains(strings.ToLower(a), strings.ToLower(r)), true
	case OpIn, OpNotIn:
		list, lok := valueList(required)
		if !lok {
			return false, false
		}
		member := false
		for _, v := range list {
			if eq, ok := equalValues(actual, v); ok && eq {
				member = true
				break
			}
		}
		if op == OpIn {
			return member, true
		}
		return !member, true
	}
	return false, false
}

func equalValues(a, b any) (bool, bool) {
	if b == nil {
		return false, false
	}
	af, aok := numeric(a)
	bf, bok := numeric(b)
	if aok && bok {
		return af == bf, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(strings.TrimSpace(as), strings.TrimSpace(bs)), true
	}
	return false, false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func valueList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case string:
		parts := strings.Split(l, ",")
		out := make([]any, len(parts))
		for i, s := range parts {
			out[i] = strings.TrimSpace(s)
		}
		return out, true
	}
	return nil, false
}

func formatValue(v any) string {
	if list, ok := valueList(v); ok {
		if _, isString := v.(string); !isString {
			parts := make([]string, len(list))
			for i, item := range list {
				parts[i] = fmt.Sprint(item)
			}
			return "[" + strings.Join(parts, ", ") + "]"
		}
	}
	return fmt.Sprint(v)
}
