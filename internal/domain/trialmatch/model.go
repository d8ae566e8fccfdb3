package trialmatch

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/trialmatch/internal/matching"
)

var (
	// ErrInvalidProfile marks a request whose patient profile or options
	// break the input contract of the matcher.
	ErrInvalidProfile = errors.New("invalid patient profile")
	ErrStudyNotFound  = errors.New("research study not found")
	// ErrIneligible is returned when a referral is requested for a patient
	// the study excludes.
	ErrIneligible = errors.New("patient is ineligible for this study")
)

// MatchRequest is the body of every matching endpoint.
type MatchRequest struct {
	Patient matching.PatientProfile `json:"patient"`
	Options matching.Options        `json:"options"`
}

// ReferralRequest refers a matched patient to a study's pre-screening.
type ReferralRequest struct {
	Patient matching.PatientProfile `json:"patient"`
	Options matching.Options        `json:"options"`
	Note    *string                 `json:"note,omitempty"`
}

// MatchRecord maps to the trial_match table: one row per trial returned by
// the patient's most recent matching run.
type MatchRecord struct {
	ID                uuid.UUID `db:"id" json:"id"`
	PatientID         string    `db:"patient_id" json:"patient_id"`
	StudyID           uuid.UUID `db:"study_id" json:"study_id"`
	NCTID             *string   `db:"nct_id" json:"nct_id,omitempty"`
	TrialTitle        string    `db:"trial_title" json:"trial_title"`
	TrialStatus       string    `db:"trial_status" json:"trial_status"`
	MatchScore        int       `db:"match_score" json:"match_score"`
	EligibilityStatus string    `db:"eligibility_status" json:"eligibility_status"`
	ConditionScore    int       `db:"condition_score" json:"condition_score"`
	DemographicScore  int       `db:"demographic_score" json:"demographic_score"`
	CriteriaScore     int       `db:"criteria_score" json:"criteria_score"`
	ProximityScore    int       `db:"proximity_score" json:"proximity_score"`
	Distance          *float64  `db:"distance" json:"distance,omitempty"`
	DistanceUnit      *string   `db:"distance_unit" json:"distance_unit,omitempty"`
	MatchedCriteria   []string  `db:"matched_criteria" json:"matched_criteria"`
	UnmatchedCriteria []string  `db:"unmatched_criteria" json:"unmatched_criteria"`
	UncertainCriteria []string  `db:"uncertain_criteria" json:"uncertain_criteria"`
	Rank              int       `db:"rank" json:"rank"`
	MatchedAt         time.Time `db:"matched_at" json:"matched_at"`
}

// NewMatchRecord flattens a scored match for storage. Trials whose id is
// not a catalog uuid cannot be stored and yield ok=false.
func NewMatchRecord(patientID string, rank int, tm matching.TrialMatch) (rec *MatchRecord, ok bool) {
	studyID, err := uuid.Parse(tm.Trial.ID)
	if err != nil {
		return nil, false
	}
	rec = &MatchRecord{
		PatientID:         patientID,
		StudyID:           studyID,
		TrialTitle:        tm.Trial.Title,
		TrialStatus:       tm.Trial.Status,
		MatchScore:        tm.MatchScore,
		EligibilityStatus: string(tm.EligibilityStatus),
		ConditionScore:    tm.Scores.ConditionMatch,
		DemographicScore:  tm.Scores.DemographicMatch,
		CriteriaScore:     tm.Scores.CriteriaMatch,
		ProximityScore:    tm.Scores.ProximityScore,
		Distance:          tm.Distance,
		MatchedCriteria:   nonNil(tm.MatchedCriteria),
		UnmatchedCriteria: nonNil(tm.UnmatchedCriteria),
		UncertainCriteria: nonNil(tm.UncertainCriteria),
		Rank:              rank,
	}
	if tm.Trial.NCTID != "" {
		nct := tm.Trial.NCTID
		rec.NCTID = &nct
	}
	if tm.Distance != nil && tm.DistanceUnit != "" {
		unit := string(tm.DistanceUnit)
		rec.DistanceUnit = &unit
	}
	return rec, true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
