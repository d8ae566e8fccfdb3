package research

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/trialmatch/internal/matching"
	"github.com/ehr/trialmatch/internal/platform/db"
)

// CacheInvalidator drops cached match batches for a tenant after the
// catalog changes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

type Service struct {
	studies     ResearchStudyRepository
	enrollments EnrollmentRepository
	cache       CacheInvalidator
	logger      zerolog.Logger
}

func NewService(studies ResearchStudyRepository, enrollments EnrollmentRepository) *Service {
	return &Service{
		studies:     studies,
		enrollments: enrollments,
		logger:      zerolog.Nop(),
	}
}

// SetLogger sets the logger used for cache maintenance warnings.
func (s *Service) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// SetCacheInvalidator attaches an optional match cache to the service.
func (s *Service) SetCacheInvalidator(c CacheInvalidator) {
	s.cache = c
}

func (s *Service) catalogChanged(ctx context.Context) {
	if s.cache == nil {
		return
	}
	tenantID := db.TenantFromContext(ctx)
	if err := s.cache.Invalidate(ctx, tenantID); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("match cache invalidation failed")
	}
}

// -- Research Study --

var validStudyStatuses = map[string]bool{
	"in-review": true, "approved": true, "not-yet-recruiting": true,
	"recruiting": true, "enrolling-by-invitation": true, "active-recruiting": true,
	"active-not-recruiting": true, "temporarily-closed": true,
	"closed": true, "completed": true, "withdrawn": true, "suspended": true,
}

var validGenders = map[string]bool{
	"all": true, "male": true, "female": true,
}

var validCategories = map[string]bool{}

func init() {
	for _, c := range matching.Categories {
		validCategories[string(c)] = true
	}
}

var validOperators = map[string]bool{
	string(matching.OpEq): true, string(matching.OpNe): true,
	string(matching.OpGt): true, string(matching.OpLt): true,
	string(matching.OpGte): true, string(matching.OpLte): true,
	string(matching.OpContains): true, string(matching.OpIn): true,
	string(matching.OpNotIn): true,
}

func validateStudy(st *ResearchStudy) error {
	if !validStudyStatuses[st.Status] {
		return fmt.Errorf("invalid status: %s", st.Status)
	}
	st.Gender = strings.ToLower(strings.TrimSpace(st.Gender))
	if st.Gender == "" {
		st.Gender = "all"
	}
	if !validGenders[st.Gender] {
		return fmt.Errorf("invalid gender: %s", st.Gender)
	}
	if st.MinimumAge != nil && *st.MinimumAge < 0 {
		return fmt.Errorf("minimum_age must not be negative")
	}
	if st.MinimumAge != nil && st.MaximumAge != nil && *st.MinimumAge > *st.MaximumAge {
		return fmt.Errorf("minimum_age %d exceeds maximum_age %d", *st.MinimumAge, *st.MaximumAge)
	}
	if st.Conditions == nil {
		st.Conditions = []string{}
	}
	return nil
}

func validateCriteria(criteria []*ResearchCriterion) error {
	for i, c := range criteria {
		switch matching.Direction(c.Direction) {
		case matching.Inclusion, matching.Exclusion:
		default:
			return fmt.Errorf("criteria[%d]: invalid direction: %s", i, c.Direction)
		}
		if c.Category != "" && !validCategories[c.Category] {
			return fmt.Errorf("criteria[%d]: invalid category: %s", i, c.Category)
		}
		if c.Operator != "" && !validOperators[c.Operator] {
			return fmt.Errorf("criteria[%d]: invalid operator: %s", i, c.Operator)
		}
	}
	return nil
}

func validateSite(site *ResearchSite) error {
	if site.Name == "" {
		return fmt.Errorf("name is required")
	}
	if site.Status == "" {
		site.Status = "active"
	}
	if (site.Latitude == nil) != (site.Longitude == nil) {
		return fmt.Errorf("latitude and longitude must be set together")
	}
	if site.Latitude != nil {
		if math.IsNaN(*site.Latitude) || *site.Latitude < -90 || *site.Latitude > 90 {
			return fmt.Errorf("latitude out of range: %v", *site.Latitude)
		}
		if math.IsNaN(*site.Longitude) || *site.Longitude < -180 || *site.Longitude > 180 {
			return fmt.Errorf("longitude out of range: %v", *site.Longitude)
		}
	}
	return nil
}

// CreateStudy stores the study along with any criteria and sites carried on
// it.
func (s *Service) CreateStudy(ctx context.Context, st *ResearchStudy) error {
	if st.ProtocolNumber == "" {
		return fmt.Errorf("protocol_number is required")
	}
	if st.Title == "" {
		return fmt.Errorf("title is required")
	}
	if st.Status == "" {
		st.Status = "in-review"
	}
	if err := validateStudy(st); err != nil {
		return err
	}
	if err := validateCriteria(st.Criteria); err != nil {
		return err
	}
	for _, site := range st.Sites {
		if err := validateSite(site); err != nil {
			return err
		}
	}

	if err := s.studies.Create(ctx, st); err != nil {
		return err
	}
	if len(st.Criteria) > 0 {
		if err := s.studies.ReplaceCriteria(ctx, st.ID, st.Criteria); err != nil {
			return fmt.Errorf("store criteria: %w", err)
		}
	}
	for _, site := range st.Sites {
		site.StudyID = st.ID
		if err := s.studies.AddSite(ctx, site); err != nil {
			return fmt.Errorf("store site: %w", err)
		}
	}
	s.catalogChanged(ctx)
	return nil
}

// GetStudy returns the study with its criteria and sites.
func (s *Service) GetStudy(ctx context.Context, id uuid.UUID) (*ResearchStudy, error) {
	st, err := s.studies.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.attach(ctx, st)
}

func (s *Service) GetStudyByFHIRID(ctx context.Context, fhirID string) (*ResearchStudy, error) {
	st, err := s.studies.GetByFHIRID(ctx, fhirID)
	if err != nil {
		return nil, err
	}
	return s.attach(ctx, st)
}

func (s *Service) attach(ctx context.Context, st *ResearchStudy) (*ResearchStudy, error) {
	criteria, err := s.studies.ListCriteria(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	sites, err := s.studies.ListSites(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	st.Criteria = criteria
	st.Sites = sites
	return st, nil
}

func (s *Service) UpdateStudy(ctx context.Context, st *ResearchStudy) error {
	if st.Title == "" {
		return fmt.Errorf("title is required")
	}
	if st.Status == "" {
		return fmt.Errorf("status is required")
	}
	if err := validateStudy(st); err != nil {
		return err
	}
	if err := s.studies.Update(ctx, st); err != nil {
		return err
	}
	s.catalogChanged(ctx)
	return nil
}

func (s *Service) DeleteStudy(ctx context.Context, id uuid.UUID) error {
	if err := s.studies.Delete(ctx, id); err != nil {
		return err
	}
	s.catalogChanged(ctx)
	return nil
}

func (s *Service) SearchStudies(ctx context.Context, params map[string]string, limit, offset int) ([]*ResearchStudy, int, error) {
	return s.studies.Search(ctx, params, limit, offset)
}

// -- Criteria --

func (s *Service) ReplaceCriteria(ctx context.Context, studyID uuid.UUID, criteria []*ResearchCriterion) error {
	if err := validateCriteria(criteria); err != nil {
		return err
	}
	if _, err := s.studies.GetByID(ctx, studyID); err != nil {
		return err
	}
	if err := s.studies.ReplaceCriteria(ctx, studyID, criteria); err != nil {
		return err
	}
	s.catalogChanged(ctx)
	return nil
}

func (s *Service) ListCriteria(ctx context.Context, studyID uuid.UUID) ([]*ResearchCriterion, error) {
	return s.studies.ListCriteria(ctx, studyID)
}

// -- Sites --

func (s *Service) AddSite(ctx context.Context, site *ResearchSite) error {
	if site.StudyID == uuid.Nil {
		return fmt.Errorf("study_id is required")
	}
	if err := validateSite(site); err != nil {
		return err
	}
	if _, err := s.studies.GetByID(ctx, site.StudyID); err != nil {
		return err
	}
	if err := s.studies.AddSite(ctx, site); err != nil {
		return err
	}
	s.catalogChanged(ctx)
	return nil
}

func (s *Service) ListSites(ctx context.Context, studyID uuid.UUID) ([]*ResearchSite, error) {
	return s.studies.ListSites(ctx, studyID)
}

func (s *Service) DeleteSite(ctx context.Context, studyID, siteID uuid.UUID) error {
	if err := s.studies.DeleteSite(ctx, studyID, siteID); err != nil {
		return err
	}
	s.catalogChanged(ctx)
	return nil
}

// -- Matching candidates --

// ListCandidateTrials returns every catalog study as a matching candidate.
// When statuses is non-empty only studies in those statuses are loaded;
// callers still apply the matcher's own status filter.
func (s *Service) ListCandidateTrials(ctx context.Context, statuses []string) ([]matching.Trial, error) {
	var filter CandidateFilter
	for _, st := range statuses {
		filter.Statuses = append(filter.Statuses, canonicalStatus(st))
	}
	studies, err := s.studies.ListCandidates(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list candidate trials: %w", err)
	}
	trials := make([]matching.Trial, len(studies))
	for i, st := range studies {
		trials[i] = st.ToTrial()
	}
	return trials, nil
}

// GetTrial returns a single study as a matching candidate.
func (s *Service) GetTrial(ctx context.Context, id uuid.UUID) (*ResearchStudy, matching.Trial, error) {
	st, err := s.GetStudy(ctx, id)
	if err != nil {
		return nil, matching.Trial{}, err
	}
	return st, st.ToTrial(), nil
}

// canonicalStatus folds "Not_Yet_Recruiting" and "not yet recruiting" to the
// stored "not-yet-recruiting".
func canonicalStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "-", " ", "-").Replace(s)
}

// -- Enrollment --

var validEnrollmentStatuses = map[string]bool{
	"pre-screening": true, "screening": true, "screen-fail": true,
	"enrolled": true, "active": true, "on-study-treatment": true,
	"follow-up": true, "completed": true, "early-termination": true,
	"withdrawn": true, "lost-to-followup": true, "deceased": true,
}

func (s *Service) CreateEnrollment(ctx context.Context, e *ResearchEnrollment) error {
	if e.StudyID == uuid.Nil {
		return fmt.Errorf("study_id is required")
	}
	if e.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if e.Status == "" {
		e.Status = "pre-screening"
	}
	if !validEnrollmentStatuses[e.Status] {
		return fmt.Errorf("invalid status: %s", e.Status)
	}
	if e.MatchScore != nil && (*e.MatchScore < 0 || *e.MatchScore > 100) {
		return fmt.Errorf("match_score must be within 0-100")
	}
	if _, err := s.studies.GetByID(ctx, e.StudyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("lookup study: %w", err)
	}
	return s.enrollments.Create(ctx, e)
}

func (s *Service) GetEnrollment(ctx context.Context, id uuid.UUID) (*ResearchEnrollment, error) {
	return s.enrollments.GetByID(ctx, id)
}

func (s *Service) UpdateEnrollment(ctx context.Context, e *ResearchEnrollment) error {
	if e.Status != "" && !validEnrollmentStatuses[e.Status] {
		return fmt.Errorf("invalid status: %s", e.Status)
	}
	return s.enrollments.Update(ctx, e)
}

func (s *Service) DeleteEnrollment(ctx context.Context, id uuid.UUID) error {
	return s.enrollments.Delete(ctx, id)
}

func (s *Service) ListEnrollmentsByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*ResearchEnrollment, int, error) {
	return s.enrollments.ListByStudy(ctx, studyID, limit, offset)
}

func (s *Service) ListEnrollmentsByPatient(ctx context.Context, patientID string, limit, offset int) ([]*ResearchEnrollment, int, error) {
	return s.enrollments.ListByPatient(ctx, patientID, limit, offset)
}
