package research

import (
	"context"

	"github.com/google/uuid"
)

// CandidateFilter narrows the studies loaded for a matching run. Empty
// fields do not filter.
type CandidateFilter struct {
	Statuses []string
	IDs      []uuid.UUID
}

type ResearchStudyRepository interface {
	Create(ctx context.Context, s *ResearchStudy) error
	GetByID(ctx context.Context, id uuid.UUID) (*ResearchStudy, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*ResearchStudy, error)
	Update(ctx context.Context, s *ResearchStudy) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ResearchStudy, int, error)
	// Criteria
	ReplaceCriteria(ctx context.Context, studyID uuid.UUID, criteria []*ResearchCriterion) error
	ListCriteria(ctx context.Context, studyID uuid.UUID) ([]*ResearchCriterion, error)
	// Sites
	AddSite(ctx context.Context, site *ResearchSite) error
	ListSites(ctx context.Context, studyID uuid.UUID) ([]*ResearchSite, error)
	DeleteSite(ctx context.Context, studyID, siteID uuid.UUID) error
	// ListCandidates returns studies with criteria and sites attached.
	ListCandidates(ctx context.Context, f CandidateFilter) ([]*ResearchStudy, error)
}

type EnrollmentRepository interface {
	Create(ctx context.Context, e *ResearchEnrollment) error
	GetByID(ctx context.Context, id uuid.UUID) (*ResearchEnrollment, error)
	Update(ctx context.Context, e *ResearchEnrollment) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*ResearchEnrollment, int, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*ResearchEnrollment, int, error)
}
