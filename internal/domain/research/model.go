package research

import (
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/trialmatch/internal/matching"
	"github.com/ehr/trialmatch/internal/platform/fhir"
)

var ErrNotFound = errors.New("research study not found")

// ResearchStudy maps to the research_study table (FHIR ResearchStudy resource).
type ResearchStudy struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	FHIRID            string     `db:"fhir_id" json:"fhir_id"`
	NCTID             *string    `db:"nct_id" json:"nct_id,omitempty"`
	Title             string     `db:"title" json:"title"`
	ProtocolNumber    string     `db:"protocol_number" json:"protocol_number"`
	Status            string     `db:"status" json:"status"`
	Phase             *string    `db:"phase" json:"phase,omitempty"`
	Conditions        []string   `db:"conditions" json:"conditions"`
	MinimumAge        *int       `db:"minimum_age" json:"minimum_age,omitempty"`
	MaximumAge        *int       `db:"maximum_age" json:"maximum_age,omitempty"`
	Gender            string     `db:"gender" json:"gender"`
	HealthyVolunteers bool       `db:"healthy_volunteers" json:"healthy_volunteers"`
	EligibilityText   *string    `db:"eligibility_text" json:"eligibility_text,omitempty"`
	SponsorName       *string    `db:"sponsor_name" json:"sponsor_name,omitempty"`
	Description       *string    `db:"description" json:"description,omitempty"`
	StartDate         *time.Time `db:"start_date" json:"start_date,omitempty"`
	EndDate           *time.Time `db:"end_date" json:"end_date,omitempty"`
	VersionID         int        `db:"version_id" json:"version_id"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`

	Criteria []*ResearchCriterion `db:"-" json:"criteria,omitempty"`
	Sites    []*ResearchSite      `db:"-" json:"sites,omitempty"`
}

// ResearchCriterion maps to the research_criterion table. Value is stored
// as jsonb so numeric, string and list thresholds round-trip unchanged.
type ResearchCriterion struct {
	ID           uuid.UUID `db:"id" json:"id"`
	StudyID      uuid.UUID `db:"study_id" json:"study_id"`
	Direction    string    `db:"direction" json:"direction"`
	CriterionKey string    `db:"criterion_key" json:"criterion_key,omitempty"`
	Text         string    `db:"text" json:"text"`
	Category     string    `db:"category" json:"category,omitempty"`
	Field        string    `db:"field" json:"field,omitempty"`
	Operator     string    `db:"operator" json:"operator,omitempty"`
	Value        any       `db:"value" json:"value,omitempty"`
	Unit         string    `db:"unit" json:"unit,omitempty"`
	Position     int       `db:"position" json:"position"`
}

// ResearchSite maps to the research_site table.
type ResearchSite struct {
	ID         uuid.UUID `db:"id" json:"id"`
	StudyID    uuid.UUID `db:"study_id" json:"study_id"`
	Name       string    `db:"name" json:"name"`
	Status     string    `db:"status" json:"status"`
	City       *string   `db:"city" json:"city,omitempty"`
	State      *string   `db:"state" json:"state,omitempty"`
	PostalCode *string   `db:"postal_code" json:"postal_code,omitempty"`
	Country    *string   `db:"country" json:"country,omitempty"`
	Latitude   *float64  `db:"latitude" json:"latitude,omitempty"`
	Longitude  *float64  `db:"longitude" json:"longitude,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ResearchEnrollment maps to the research_enrollment table. Referrals made
// from a match carry the score and eligibility status seen at referral time.
type ResearchEnrollment struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	StudyID           uuid.UUID  `db:"study_id" json:"study_id"`
	PatientID         string     `db:"patient_id" json:"patient_id"`
	Status            string     `db:"status" json:"status"`
	ScreeningDate     *time.Time `db:"screening_date" json:"screening_date,omitempty"`
	EnrolledDate      *time.Time `db:"enrolled_date" json:"enrolled_date,omitempty"`
	WithdrawalDate    *time.Time `db:"withdrawal_date" json:"withdrawal_date,omitempty"`
	WithdrawalReason  *string    `db:"withdrawal_reason" json:"withdrawal_reason,omitempty"`
	SubjectNumber     *string    `db:"subject_number" json:"subject_number,omitempty"`
	ReferredBy        *string    `db:"referred_by" json:"referred_by,omitempty"`
	MatchScore        *int       `db:"match_score" json:"match_score,omitempty"`
	EligibilityStatus *string    `db:"eligibility_status" json:"eligibility_status,omitempty"`
	Note              *string    `db:"note" json:"note,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (s *ResearchStudy) GetVersionID() int { return s.VersionID }

// SetVersionID sets the current version.
func (s *ResearchStudy) SetVersionID(v int) { s.VersionID = v }

func (s *ResearchStudy) ToFHIR() map[string]interface{} {
	identifiers := []fhir.Identifier{{
		Use:    "official",
		System: "urn:ehr:research:protocol",
		Value:  s.ProtocolNumber,
	}}
	if s.NCTID != nil {
		identifiers = append(identifiers, fhir.Identifier{
			Use:    "secondary",
			System: "https://clinicaltrials.gov",
			Value:  *s.NCTID,
		})
	}
	updated := s.UpdatedAt
	result := map[string]interface{}{
		"resourceType": "ResearchStudy",
		"id":           s.FHIRID,
		"title":        s.Title,
		"status":       StudyStatusToFHIR(s.Status),
		"identifier":   identifiers,
		"meta": fhir.Meta{
			VersionID:   strconv.Itoa(s.VersionID),
			LastUpdated: &updated,
			Profile:     []string{"http://hl7.org/fhir/StructureDefinition/ResearchStudy"},
		},
	}
	if s.Phase != nil {
		result["phase"] = fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System: "http://terminology.hl7.org/CodeSystem/research-study-phase",
				Code:   *s.Phase,
			}},
		}
	}
	if len(s.Conditions) > 0 {
		conds := make([]fhir.CodeableConcept, len(s.Conditions))
		for i, c := range s.Conditions {
			conds[i] = fhir.CodeableConcept{Text: c}
		}
		result["condition"] = conds
	}
	if s.Description != nil {
		result["description"] = *s.Description
	}
	if s.SponsorName != nil {
		result["sponsor"] = fhir.Reference{Display: *s.SponsorName}
	}
	if s.StartDate != nil || s.EndDate != nil {
		result["period"] = fhir.Period{Start: s.StartDate, End: s.EndDate}
	}
	if len(s.Sites) > 0 {
		sites := make([]fhir.Reference, len(s.Sites))
		for i, site := range s.Sites {
			sites[i] = fhir.Reference{
				Reference: fhir.FormatReference("Location", site.ID.String()),
				Display:   site.Name,
			}
		}
		result["site"] = sites
	}
	return result
}

// ToTrial materializes the study as a matching candidate. Criteria are
// ordered by position within each direction.
func (s *ResearchStudy) ToTrial() matching.Trial {
	t := matching.Trial{
		ID:         s.ID.String(),
		Title:      s.Title,
		Status:     s.Status,
		Conditions: s.Conditions,
		Eligibility: matching.TrialEligibility{
			MinimumAge:        s.MinimumAge,
			MaximumAge:        s.MaximumAge,
			Gender:            s.Gender,
			HealthyVolunteers: s.HealthyVolunteers,
			Conditions:        s.Conditions,
			Criteria: matching.CriteriaSet{
				Inclusion: []matching.CriterionItem{},
				Exclusion: []matching.CriterionItem{},
			},
		},
	}
	if s.NCTID != nil {
		t.NCTID = *s.NCTID
	}
	if s.Phase != nil {
		t.Phase = *s.Phase
	}
	if s.EligibilityText != nil {
		t.Eligibility.EligibilityText = *s.EligibilityText
	}

	criteria := make([]*ResearchCriterion, len(s.Criteria))
	copy(criteria, s.Criteria)
	sort.SliceStable(criteria, func(i, j int) bool { return criteria[i].Position < criteria[j].Position })
	for _, c := range criteria {
		item := c.toItem()
		if matching.Direction(c.Direction) == matching.Exclusion {
			t.Eligibility.Criteria.Exclusion = append(t.Eligibility.Criteria.Exclusion, item)
		} else {
			t.Eligibility.Criteria.Inclusion = append(t.Eligibility.Criteria.Inclusion, item)
		}
	}

	for _, site := range s.Sites {
		t.Sites = append(t.Sites, site.toTrialSite())
	}
	return t
}

func (c *ResearchCriterion) toItem() matching.CriterionItem {
	id := c.CriterionKey
	if id == "" {
		id = c.ID.String()
	}
	return matching.CriterionItem{
		ID:       id,
		Text:     c.Text,
		Category: matching.Category(c.Category),
		Field:    c.Field,
		Operator: matching.Operator(c.Operator),
		Value:    c.Value,
		Unit:     c.Unit,
	}
}

func (s *ResearchSite) toTrialSite() matching.TrialSite {
	site := matching.TrialSite{
		ID:      s.ID.String(),
		Name:    s.Name,
		Status:  s.Status,
		City:    deref(s.City),
		State:   deref(s.State),
		Country: deref(s.Country),
	}
	if s.Latitude != nil && s.Longitude != nil {
		site.Location = &matching.GeoPoint{
			Latitude:   *s.Latitude,
			Longitude:  *s.Longitude,
			City:       site.City,
			State:      site.State,
			PostalCode: deref(s.PostalCode),
			Country:    site.Country,
		}
	}
	return site
}

// StudyStatusToFHIR converts a catalog status to the FHIR ResearchStudy
// status code.
func StudyStatusToFHIR(status string) string {
	mapping := map[string]string{
		"in-review":               "in-review",
		"approved":                "approved",
		"not-yet-recruiting":      "approved",
		"recruiting":              "active",
		"enrolling-by-invitation": "active",
		"active-recruiting":       "active",
		"active-not-recruiting":   "active",
		"temporarily-closed":      "temporarily-closed-to-accrual",
		"closed":                  "closed-to-accrual",
		"completed":               "completed",
		"withdrawn":               "withdrawn",
		"suspended":               "administratively-completed",
	}
	if mapped, ok := mapping[status]; ok {
		return mapped
	}
	return status
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
