package matching

import (
	"strings"
	"time"
)

// -- Patient profile --

// PatientProfile is the clinical snapshot a patient is matched with.
// The matcher never mutates it.
type PatientProfile struct {
	ID              string           `json:"id"`
	Demographics    Demographics     `json:"demographics"`
	Conditions      []string         `json:"conditions"`
	CodedConditions []CodedCondition `json:"coded_conditions,omitempty"`
	Medications     []Medication     `json:"medications"`
	LabResults      []LabResult      `json:"lab_results,omitempty"`
	Procedures      []Procedure      `json:"procedures,omitempty"`
	Allergies       []string         `json:"allergies"`
	VitalSigns      []VitalSign      `json:"vital_signs"`
	Location        *GeoPoint        `json:"location,omitempty"`
}

type Demographics struct {
	Age       int    `json:"age"`
	Gender    string `json:"gender"`
	Ethnicity string `json:"ethnicity,omitempty"`
	Race      string `json:"race,omitempty"`
}

type CodedCondition struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

type Medication struct {
	Name   string `json:"name"`
	Code   string `json:"code,omitempty"`
	Status string `json:"status,omitempty"`
}

// LabResult is a single numeric observation.
type LabResult struct {
	Code           string          `json:"code"`
	DisplayName    string          `json:"display_name"`
	Value          float64         `json:"value"`
	Unit           string          `json:"unit"`
	Date           time.Time       `json:"date"`
	ReferenceRange *ReferenceRange `json:"reference_range,omitempty"`
}

type ReferenceRange struct {
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
}

type Procedure struct {
	Code    string     `json:"code,omitempty"`
	Display string     `json:"display"`
	Date    *time.Time `json:"date,omitempty"`
}

type VitalSign struct {
	Type  string    `json:"type"`
	Value float64   `json:"value"`
	Unit  string    `json:"unit"`
	Date  time.Time `json:"date"`
}

// GeoPoint is a WGS84 coordinate with optional address context.
type GeoPoint struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	City       string  `json:"city,omitempty"`
	State      string  `json:"state,omitempty"`
	PostalCode string  `json:"postal_code,omitempty"`
	Country    string  `json:"country,omitempty"`
}

// Valid reports whether the coordinate is within WGS84 ranges.
func (p *GeoPoint) Valid() bool {
	if p == nil {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// -- Criteria --

// Category is the closed set of structured criterion kinds.
type Category string

const (
	CategoryDemographics      Category = "demographics"
	CategoryLaboratory        Category = "laboratory"
	CategoryCondition         Category = "condition"
	CategoryTreatmentHistory  Category = "treatment_history"
	CategoryPerformanceStatus Category = "performance_status"
)

// Categories lists every category the evaluator dispatches on.
var Categories = []Category{
	CategoryDemographics,
	CategoryLaboratory,
	CategoryCondition,
	CategoryTreatmentHistory,
	CategoryPerformanceStatus,
}

type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
)

type Direction string

const (
	Inclusion Direction = "inclusion"
	Exclusion Direction = "exclusion"
)

type Result string

const (
	ResultMet          Result = "met"
	ResultNotMet       Result = "not_met"
	ResultUncertain    Result = "uncertain"
	ResultNotEvaluated Result = "not_evaluated"
)

// CriterionItem is one structured eligibility rule produced by the upstream
// criteria parser. Value holds a number, a string or a list depending on Operator.
type CriterionItem struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Category Category `json:"category,omitempty"`
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`
	Unit     string   `json:"unit,omitempty"`
}

type CriteriaSet struct {
	Inclusion []CriterionItem `json:"inclusion"`
	Exclusion []CriterionItem `json:"exclusion"`
}

// TrialEligibility holds the eligibility constraints of a trial.
type TrialEligibility struct {
	MinimumAge        *int        `json:"minimum_age,omitempty"`
	MaximumAge        *int        `json:"maximum_age,omitempty"`
	Gender            string      `json:"gender,omitempty"`
	HealthyVolunteers bool        `json:"healthy_volunteers"`
	Criteria          CriteriaSet `json:"criteria"`
	EligibilityText   string      `json:"eligibility_text,omitempty"`
	Conditions        []string    `json:"conditions,omitempty"`
}

// CriterionEvaluation is the outcome of evaluating one criterion.
type CriterionEvaluation struct {
	CriterionID   string    `json:"criterion_id"`
	Text          string    `json:"text"`
	Direction     Direction `json:"direction"`
	Result        Result    `json:"result"`
	Reason        string    `json:"reason"`
	MatchedValue  any       `json:"matched_value,omitempty"`
	RequiredValue any       `json:"required_value,omitempty"`
	demographic   bool
}

type EligibilityStatus string

const (
	StatusEligible            EligibilityStatus = "eligible"
	StatusPotentiallyEligible EligibilityStatus = "potentially_eligible"
	StatusIneligible          EligibilityStatus = "ineligible"
	StatusUnknown             EligibilityStatus = "unknown"
)

type EligibilityResult struct {
	IsEligible        bool                  `json:"is_eligible"`
	Status            EligibilityStatus     `json:"status"`
	MatchedCriteria   []string              `json:"matched_criteria"`
	UnmatchedCriteria []string              `json:"unmatched_criteria"`
	UncertainCriteria []string              `json:"uncertain_criteria"`
	Evaluations       []CriterionEvaluation `json:"evaluations"`
	Score             int                   `json:"score"`
}

// -- Trials --

type TrialSite struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   string    `json:"status,omitempty"`
	City     string    `json:"city,omitempty"`
	State    string    `json:"state,omitempty"`
	Country  string    `json:"country,omitempty"`
	Location *GeoPoint `json:"location,omitempty"`
}

// active reports whether the site accepts participants. Sites without a
// status are treated as active.
func (s TrialSite) active() bool {
	switch normalizeToken(s.Status) {
	case "", "active", "recruiting", "not_yet_recruiting", "enrolling_by_invitation", "active_recruiting":
		return true
	}
	return false
}

// Trial is a fully materialized candidate trial.
type Trial struct {
	ID          string           `json:"id"`
	NCTID       string           `json:"nct_id"`
	Title       string           `json:"title"`
	Status      string           `json:"status"`
	Phase       string           `json:"phase,omitempty"`
	Conditions  []string         `json:"conditions"`
	Eligibility TrialEligibility `json:"eligibility"`
	Sites       []TrialSite      `json:"sites,omitempty"`
}

// conditions returns the eligibility conditions, falling back to the trial's
// registry conditions.
func (t *Trial) conditions() []string {
	if len(t.Eligibility.Conditions) > 0 {
		return t.Eligibility.Conditions
	}
	return t.Conditions
}

type TrialSummary struct {
	ID         string   `json:"id"`
	NCTID      string   `json:"nct_id"`
	Title      string   `json:"title"`
	Status     string   `json:"status"`
	Phase      string   `json:"phase,omitempty"`
	Conditions []string `json:"conditions"`
}

// -- Match results --

type DistanceUnit string

const (
	Miles      DistanceUnit = "miles"
	Kilometers DistanceUnit = "km"
)

type SiteDistance struct {
	SiteID   string       `json:"site_id"`
	Name     string       `json:"name"`
	Distance float64      `json:"distance"`
	Unit     DistanceUnit `json:"unit"`
}

type ScoreBreakdown struct {
	ConditionMatch   int `json:"condition_match"`
	DemographicMatch int `json:"demographic_match"`
	CriteriaMatch    int `json:"criteria_match"`
	ProximityScore   int `json:"proximity_score"`
}

type TrialMatch struct {
	Trial             TrialSummary      `json:"trial"`
	MatchScore        int               `json:"match_score"`
	EligibilityStatus EligibilityStatus `json:"eligibility_status"`
	MatchedCriteria   []string          `json:"matched_criteria"`
	UnmatchedCriteria []string          `json:"unmatched_criteria"`
	UncertainCriteria []string          `json:"uncertain_criteria"`
	Distance          *float64          `json:"distance,omitempty"`
	DistanceUnit      DistanceUnit      `json:"distance_unit,omitempty"`
	NearestSites      []SiteDistance    `json:"nearest_sites"`
	Scores            ScoreBreakdown    `json:"scores"`
}

type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// BatchSummary aggregates a matching run.
type BatchSummary struct {
	TotalTrials         int     `json:"total_trials"`
	FilteredOut         int     `json:"filtered_out"`
	Evaluated           int     `json:"evaluated"`
	Eligible            int     `json:"eligible"`
	PotentiallyEligible int     `json:"potentially_eligible"`
	Ineligible          int     `json:"ineligible"`
	Unknown             int     `json:"unknown"`
	AverageScore        float64 `json:"average_score"`
}

// MatchResults is the output of a batch run. When Partial is set the batch
// was cut short by its deadline and TotalCount covers only evaluated trials.
type MatchResults struct {
	Matches        []TrialMatch `json:"matches"`
	TotalCount     int          `json:"total_count"`
	Pagination     Pagination   `json:"pagination"`
	ProcessingTime int64        `json:"processing_time_ms"`
	Summary        BatchSummary `json:"summary"`
	Partial        bool         `json:"partial"`
	SkippedTrials  int          `json:"skipped_trials"`
}

// normalizeToken lowercases and folds spaces and hyphens to underscores so
// "Not yet recruiting", "not-yet-recruiting" and "NOT_YET_RECRUITING" compare equal.
func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
