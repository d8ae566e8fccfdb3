package trialmatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/trialmatch/internal/domain/research"
	"github.com/ehr/trialmatch/internal/matching"
	"github.com/ehr/trialmatch/internal/platform/db"
	"github.com/ehr/trialmatch/internal/platform/telemetry"
)

// Catalog is the subset of the research service the matcher reads from.
type Catalog interface {
	ListCandidateTrials(ctx context.Context, statuses []string) ([]matching.Trial, error)
	GetTrial(ctx context.Context, id uuid.UUID) (*research.ResearchStudy, matching.Trial, error)
	CreateEnrollment(ctx context.Context, e *research.ResearchEnrollment) error
}

// ResultCache stores serialized match batches per tenant.
type ResultCache interface {
	Get(ctx context.Context, tenantID, key string) ([]byte, bool, error)
	Set(ctx context.Context, tenantID, key string, value []byte) error
}

type Config struct {
	// Timeout bounds a single batch run. Trials not evaluated in time are
	// reported as skipped.
	Timeout      time.Duration
	MaxDistance  float64
	DistanceUnit matching.DistanceUnit
}

type Service struct {
	matcher *matching.Matcher
	catalog Catalog
	repo    MatchRepository
	cache   ResultCache
	metrics *telemetry.Metrics
	cfg     Config
	logger  zerolog.Logger
}

func NewService(matcher *matching.Matcher, catalog Catalog, repo MatchRepository, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		matcher: matcher,
		catalog: catalog,
		repo:    repo,
		cfg:     cfg,
		logger:  logger,
	}
}

// SetCache attaches an optional batch-result cache.
func (s *Service) SetCache(c ResultCache) {
	s.cache = c
}

// SetMetrics attaches the matching instruments.
func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// ValidateProfile checks the patient profile against the matcher's input
// contract. Errors wrap ErrInvalidProfile.
func ValidateProfile(p *matching.PatientProfile) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: patient.id is required", ErrInvalidProfile)
	}
	if age := p.Demographics.Age; age < 0 || age > 150 {
		return fmt.Errorf("%w: age %d out of range 0-150", ErrInvalidProfile, age)
	}
	if loc := p.Location; loc != nil {
		if math.IsNaN(loc.Latitude) || loc.Latitude < -90 || loc.Latitude > 90 {
			return fmt.Errorf("%w: latitude %v out of range", ErrInvalidProfile, loc.Latitude)
		}
		if math.IsNaN(loc.Longitude) || loc.Longitude < -180 || loc.Longitude > 180 {
			return fmt.Errorf("%w: longitude %v out of range", ErrInvalidProfile, loc.Longitude)
		}
	}
	for i, lab := range p.LabResults {
		if math.IsNaN(lab.Value) || math.IsInf(lab.Value, 0) {
			return fmt.Errorf("%w: lab_results[%d] (%s) has no numeric value", ErrInvalidProfile, i, lab.Code)
		}
	}
	return nil
}

func validateOptions(o matching.Options) error {
	switch o.DistanceUnit {
	case "", matching.Miles, matching.Kilometers:
	default:
		return fmt.Errorf("%w: invalid distance_unit: %s", ErrInvalidProfile, o.DistanceUnit)
	}
	switch o.SortBy {
	case "", matching.SortByScore, matching.SortByDistance, matching.SortByRelevance:
	default:
		return fmt.Errorf("%w: invalid sort_by: %s", ErrInvalidProfile, o.SortBy)
	}
	if o.MaxDistance < 0 || math.IsNaN(o.MaxDistance) {
		return fmt.Errorf("%w: max_distance must not be negative", ErrInvalidProfile)
	}
	if o.MinMatchScore < 0 || o.MinMatchScore > 100 {
		return fmt.Errorf("%w: min_match_score must be within 0-100", ErrInvalidProfile)
	}
	if o.Limit < 0 || o.Offset < 0 {
		return fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidProfile)
	}
	return nil
}

// options fills the distance settings from service configuration and then
// the matcher defaults.
func (s *Service) options(o matching.Options) matching.Options {
	if o.MaxDistance == 0 {
		o.MaxDistance = s.cfg.MaxDistance
	}
	if o.DistanceUnit == "" {
		o.DistanceUnit = s.cfg.DistanceUnit
	}
	return o.WithDefaults()
}

func (s *Service) validate(req *MatchRequest) error {
	if err := ValidateProfile(&req.Patient); err != nil {
		return err
	}
	return validateOptions(req.Options)
}

// cacheKey hashes the patient and the effective options. Equal requests
// serialize identically because both are plain structs.
func cacheKey(p *matching.PatientProfile, o matching.Options) (string, error) {
	b, err := json.Marshal(struct {
		Patient *matching.PatientProfile `json:"p"`
		Options matching.Options         `json:"o"`
	}{p, o})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "match:" + hex.EncodeToString(sum[:]), nil
}

// Match runs a patient against every catalog candidate, stores the returned
// page as the patient's current matches and caches complete batches.
func (s *Service) Match(ctx context.Context, req MatchRequest) (res matching.MatchResults, err error) {
	if err := s.validate(&req); err != nil {
		return matching.MatchResults{}, err
	}
	opts := s.options(req.Options)
	tenantID := db.TenantFromContext(ctx)

	ctx, span := telemetry.StartSpan(ctx, "trialmatch.Match",
		attribute.String("patient.id", req.Patient.ID),
		attribute.String("tenant", tenantID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	key, keyErr := cacheKey(&req.Patient, opts)
	if keyErr == nil {
		if cached, ok := s.cachedResults(ctx, tenantID, key); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			if err := s.store(ctx, req.Patient.ID, opts.Offset, cached.Matches); err != nil {
				return matching.MatchResults{}, err
			}
			s.logBatch(req.Patient.ID, 0, cached, true, time.Since(start))
			return cached, nil
		}
	}

	var statuses []string
	if !opts.IncludeInactive {
		statuses = opts.StatusFilter
	}
	trials, err := s.catalog.ListCandidateTrials(ctx, statuses)
	if err != nil {
		return matching.MatchResults{}, err
	}

	runCtx, cancel := s.deadline(ctx)
	res = s.matcher.MatchPatientToTrials(runCtx, &req.Patient, trials, opts)
	cancel()
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.Int("trials.candidates", len(trials)),
		attribute.Int("trials.evaluated", res.Summary.Evaluated),
		attribute.Bool("batch.partial", res.Partial),
	)
	s.metrics.RecordBatch(ctx, tenantID, res.Summary.Evaluated, res.Partial, elapsed)

	if err := s.store(ctx, req.Patient.ID, opts.Offset, res.Matches); err != nil {
		return matching.MatchResults{}, err
	}

	if keyErr == nil && !res.Partial {
		s.cacheResults(ctx, tenantID, key, res)
	}
	s.logBatch(req.Patient.ID, len(trials), res, false, elapsed)
	return res, nil
}

func (s *Service) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) cachedResults(ctx context.Context, tenantID, key string) (matching.MatchResults, bool) {
	if s.cache == nil {
		return matching.MatchResults{}, false
	}
	b, ok, err := s.cache.Get(ctx, tenantID, key)
	if err != nil {
		s.logger.Warn().Err(err).Msg("match cache read failed")
		return matching.MatchResults{}, false
	}
	s.metrics.RecordCache(ctx, ok)
	if !ok {
		return matching.MatchResults{}, false
	}
	var res matching.MatchResults
	if err := json.Unmarshal(b, &res); err != nil {
		s.logger.Warn().Err(err).Msg("discarding unreadable cached match batch")
		return matching.MatchResults{}, false
	}
	return res, true
}

func (s *Service) cacheResults(ctx context.Context, tenantID, key string, res matching.MatchResults) {
	if s.cache == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode match batch for cache")
		return
	}
	if err := s.cache.Set(ctx, tenantID, key, b); err != nil {
		s.logger.Warn().Err(err).Msg("match cache write failed")
	}
}

func (s *Service) store(ctx context.Context, patientID string, offset int, matches []matching.TrialMatch) error {
	records := make([]*MatchRecord, 0, len(matches))
	for i, tm := range matches {
		if rec, ok := NewMatchRecord(patientID, offset+i+1, tm); ok {
			records = append(records, rec)
		}
	}
	if err := s.repo.ReplaceForPatient(ctx, patientID, records); err != nil {
		return fmt.Errorf("store matches: %w", err)
	}
	return nil
}

func (s *Service) logBatch(patientID string, candidates int, res matching.MatchResults, cacheHit bool, d time.Duration) {
	ev := s.logger.Info()
	if res.Partial {
		ev = s.logger.Warn()
	}
	ev.Str("patient_id", patientID).
		Int("candidates", candidates).
		Int("evaluated", res.Summary.Evaluated).
		Int("returned", len(res.Matches)).
		Bool("partial", res.Partial).
		Int("skipped", res.SkippedTrials).
		Bool("cache_hit", cacheHit).
		Dur("duration", d).
		Msg("trial match batch")
}

func (s *Service) trial(ctx context.Context, studyID uuid.UUID) (matching.Trial, error) {
	_, t, err := s.catalog.GetTrial(ctx, studyID)
	if errors.Is(err, research.ErrNotFound) {
		return matching.Trial{}, ErrStudyNotFound
	}
	if err != nil {
		return matching.Trial{}, fmt.Errorf("load study %s: %w", studyID, err)
	}
	return t, nil
}

// MatchStudy scores the patient against one study regardless of its
// recruitment status.
func (s *Service) MatchStudy(ctx context.Context, studyID uuid.UUID, req MatchRequest) (matching.TrialMatch, error) {
	if err := s.validate(&req); err != nil {
		return matching.TrialMatch{}, err
	}
	ctx, span := telemetry.StartSpan(ctx, "trialmatch.MatchStudy", attribute.String("study.id", studyID.String()))
	t, err := s.trial(ctx, studyID)
	if err != nil {
		telemetry.EndSpan(span, err)
		return matching.TrialMatch{}, err
	}
	tm := s.matcher.CalculateTrialMatch(&req.Patient, &t, s.options(req.Options))
	span.SetAttributes(attribute.Int("match.score", tm.MatchScore))
	telemetry.EndSpan(span, nil)
	return tm, nil
}

// Evaluate returns the eligibility verdict for one study without scoring.
func (s *Service) Evaluate(ctx context.Context, studyID uuid.UUID, p matching.PatientProfile) (matching.EligibilityResult, error) {
	if err := ValidateProfile(&p); err != nil {
		return matching.EligibilityResult{}, err
	}
	t, err := s.trial(ctx, studyID)
	if err != nil {
		return matching.EligibilityResult{}, err
	}
	return s.matcher.EvaluateEligibility(&p, &t), nil
}

// Refer scores the patient against the study and opens a pre-screening
// enrollment stamped with the score and eligibility status. Ineligible
// patients are refused.
func (s *Service) Refer(ctx context.Context, studyID uuid.UUID, req ReferralRequest, referredBy string) (*research.ResearchEnrollment, matching.TrialMatch, error) {
	tm, err := s.MatchStudy(ctx, studyID, MatchRequest{Patient: req.Patient, Options: req.Options})
	if err != nil {
		return nil, matching.TrialMatch{}, err
	}
	if tm.EligibilityStatus == matching.StatusIneligible {
		return nil, tm, ErrIneligible
	}

	score := tm.MatchScore
	status := string(tm.EligibilityStatus)
	e := &research.ResearchEnrollment{
		StudyID:           studyID,
		PatientID:         req.Patient.ID,
		Status:            "pre-screening",
		MatchScore:        &score,
		EligibilityStatus: &status,
		Note:              req.Note,
	}
	if referredBy != "" {
		e.ReferredBy = &referredBy
	}
	if err := s.catalog.CreateEnrollment(ctx, e); err != nil {
		if errors.Is(err, research.ErrNotFound) {
			return nil, tm, ErrStudyNotFound
		}
		return nil, tm, fmt.Errorf("create referral: %w", err)
	}
	s.logger.Info().
		Str("patient_id", req.Patient.ID).
		Str("study_id", studyID.String()).
		Int("match_score", score).
		Str("eligibility_status", status).
		Msg("patient referred to study")
	return e, tm, nil
}

func (s *Service) ListMatches(ctx context.Context, patientID string, limit, offset int) ([]*MatchRecord, int, error) {
	if patientID == "" {
		return nil, 0, fmt.Errorf("patient_id is required")
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// ExportMatches renders every stored match of the patient as an XLSX
// workbook.
func (s *Service) ExportMatches(ctx context.Context, patientID string) ([]byte, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	records, _, err := s.repo.ListByPatient(ctx, patientID, 0, 0)
	if err != nil {
		return nil, err
	}
	return ExportXLSX(records)
}

func (s *Service) ClearMatches(ctx context.Context, patientID string) error {
	if patientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	return s.repo.DeleteByPatient(ctx, patientID)
}
