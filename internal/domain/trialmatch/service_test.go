package trialmatch

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/trialmatch/internal/domain/research"
	"github.com/ehr/trialmatch/internal/matching"
)

// ── Fakes ──

type fakeCatalog struct {
	trials       []matching.Trial
	listCalls    int
	lastStatuses []string
	enrollments  []*research.ResearchEnrollment
}

func (f *fakeCatalog) ListCandidateTrials(_ context.Context, statuses []string) ([]matching.Trial, error) {
	f.listCalls++
	f.lastStatuses = statuses
	return f.trials, nil
}

func (f *fakeCatalog) GetTrial(_ context.Context, id uuid.UUID) (*research.ResearchStudy, matching.Trial, error) {
	for _, t := range f.trials {
		if t.ID == id.String() {
			return &research.ResearchStudy{ID: id, Title: t.Title, Status: t.Status}, t, nil
		}
	}
	return nil, matching.Trial{}, research.ErrNotFound
}

func (f *fakeCatalog) CreateEnrollment(_ context.Context, e *research.ResearchEnrollment) error {
	e.ID = uuid.New()
	f.enrollments = append(f.enrollments, e)
	return nil
}

type fakeMatchRepo struct {
	byPatient map[string][]*MatchRecord
}

func (f *fakeMatchRepo) ReplaceForPatient(_ context.Context, patientID string, records []*MatchRecord) error {
	for _, r := range records {
		r.ID = uuid.New()
		r.MatchedAt = time.Now()
	}
	f.byPatient[patientID] = records
	return nil
}

func (f *fakeMatchRepo) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*MatchRecord, int, error) {
	all := f.byPatient[patientID]
	total := len(all)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (f *fakeMatchRepo) DeleteByPatient(_ context.Context, patientID string) error {
	delete(f.byPatient, patientID)
	return nil
}

type fakeCache struct {
	data   map[string][]byte
	gets   int
	sets   int
	getErr error
}

func (f *fakeCache) Get(_ context.Context, tenantID, key string) ([]byte, bool, error) {
	f.gets++
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	b, ok := f.data[tenantID+"/"+key]
	return b, ok, nil
}

func (f *fakeCache) Set(_ context.Context, tenantID, key string, value []byte) error {
	f.sets++
	f.data[tenantID+"/"+key] = value
	return nil
}

// ── Fixtures ──

var (
	diabetesStudy = uuid.MustParse("6f1c2a4e-1111-4b7a-9c55-000000000001")
	seniorsStudy  = uuid.MustParse("6f1c2a4e-2222-4b7a-9c55-000000000002")
	closedStudy   = uuid.MustParse("6f1c2a4e-3333-4b7a-9c55-000000000003")
)

func intPtr(i int) *int { return &i }

func testTrials() []matching.Trial {
	return []matching.Trial{
		{
			ID: diabetesStudy.String(), NCTID: "NCT00000001", Title: "Diabetes Study", Status: "recruiting",
			Conditions: []string{"Type 2 Diabetes"},
			Sites: []matching.TrialSite{{ID: "s1", Name: "Boston General", Status: "active",
				Location: &matching.GeoPoint{Latitude: 42.36, Longitude: -71.06}}},
		},
		{
			ID: seniorsStudy.String(), Title: "Seniors Study", Status: "recruiting",
			Eligibility: matching.TrialEligibility{MinimumAge: intPtr(65)},
		},
		{ID: closedStudy.String(), Title: "Closed Study", Status: "completed"},
	}
}

func testProfile() matching.PatientProfile {
	return matching.PatientProfile{
		ID:           "patient-1",
		Demographics: matching.Demographics{Age: 45, Gender: "female"},
		Conditions:   []string{"Type 2 Diabetes Mellitus"},
		Location:     &matching.GeoPoint{Latitude: 42.35, Longitude: -71.05},
	}
}

type testEnv struct {
	svc     *Service
	catalog *fakeCatalog
	repo    *fakeMatchRepo
	cache   *fakeCache
}

func newTestEnv() *testEnv {
	catalog := &fakeCatalog{trials: testTrials()}
	repo := &fakeMatchRepo{byPatient: map[string][]*MatchRecord{}}
	cache := &fakeCache{data: map[string][]byte{}}
	svc := NewService(matching.NewMatcher(matching.WithWorkers(2)), catalog, repo, Config{
		Timeout:      5 * time.Second,
		MaxDistance:  100,
		DistanceUnit: matching.Miles,
	}, zerolog.Nop())
	svc.SetCache(cache)
	return &testEnv{svc: svc, catalog: catalog, repo: repo, cache: cache}
}

// ── Validation ──

func TestValidateProfile(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *matching.PatientProfile)
		wantErr bool
	}{
		{"valid", func(p *matching.PatientProfile) {}, false},
		{"no location", func(p *matching.PatientProfile) { p.Location = nil }, false},
		{"missing id", func(p *matching.PatientProfile) { p.ID = " " }, true},
		{"negative age", func(p *matching.PatientProfile) { p.Demographics.Age = -1 }, true},
		{"age over 150", func(p *matching.PatientProfile) { p.Demographics.Age = 151 }, true},
		{"age 150", func(p *matching.PatientProfile) { p.Demographics.Age = 150 }, false},
		{"latitude out of range", func(p *matching.PatientProfile) { p.Location.Latitude = 90.5 }, true},
		{"longitude out of range", func(p *matching.PatientProfile) { p.Location.Longitude = -180.5 }, true},
		{"NaN lab", func(p *matching.PatientProfile) {
			p.LabResults = []matching.LabResult{{Code: "4548-4", Value: math.NaN()}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProfile()
			tt.mutate(&p)
			err := ValidateProfile(&p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateProfile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidProfile) {
				t.Errorf("expected ErrInvalidProfile, got %v", err)
			}
		})
	}
}

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    matching.Options
		wantErr bool
	}{
		{"zero", matching.Options{}, false},
		{"km by distance", matching.Options{DistanceUnit: matching.Kilometers, SortBy: matching.SortByDistance}, false},
		{"unknown unit", matching.Options{DistanceUnit: "leagues"}, true},
		{"unknown sort", matching.Options{SortBy: "alphabetical"}, true},
		{"negative distance", matching.Options{MaxDistance: -1}, true},
		{"score over 100", matching.Options{MinMatchScore: 101}, true},
		{"negative offset", matching.Options{Offset: -5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateOptions(tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateOptions() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ── Match ──

func TestService_Match_PersistsAndCaches(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	req := MatchRequest{Patient: testProfile()}

	res, err := env.svc.Match(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalCount != 2 {
		t.Fatalf("expected 2 recruiting matches, got %d", res.TotalCount)
	}
	if res.Summary.TotalTrials != 3 || res.Summary.FilteredOut != 1 {
		t.Errorf("unexpected summary %+v", res.Summary)
	}
	if res.Matches[0].Trial.ID != diabetesStudy.String() {
		t.Errorf("expected diabetes study first, got %s", res.Matches[0].Trial.Title)
	}

	stored := env.repo.byPatient["patient-1"]
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored matches, got %d", len(stored))
	}
	if stored[0].Rank != 1 || stored[1].Rank != 2 {
		t.Errorf("unexpected ranks %d, %d", stored[0].Rank, stored[1].Rank)
	}
	if stored[1].EligibilityStatus != string(matching.StatusIneligible) {
		t.Errorf("expected seniors study ineligible, got %s", stored[1].EligibilityStatus)
	}
	if env.cache.sets != 1 {
		t.Errorf("expected batch to be cached once, got %d", env.cache.sets)
	}

	again, err := env.svc.Match(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.catalog.listCalls != 1 {
		t.Errorf("expected cached batch to skip the catalog, got %d loads", env.catalog.listCalls)
	}
	if again.TotalCount != res.TotalCount || again.Matches[0].MatchScore != res.Matches[0].MatchScore {
		t.Errorf("cached batch differs from original")
	}
}

func TestService_Match_CacheKeyIncludesOptions(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	if _, err := env.svc.Match(ctx, MatchRequest{Patient: testProfile()}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Match(ctx, MatchRequest{Patient: testProfile(), Options: matching.Options{MinMatchScore: 10}}); err != nil {
		t.Fatal(err)
	}
	if env.catalog.listCalls != 2 {
		t.Errorf("expected different options to miss the cache, got %d loads", env.catalog.listCalls)
	}
}

func TestService_Match_StatusPrefilter(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.svc.Match(ctx, MatchRequest{Patient: testProfile()}); err != nil {
		t.Fatal(err)
	}
	if len(env.catalog.lastStatuses) != len(matching.DefaultStatusFilter) {
		t.Errorf("expected default status prefilter, got %v", env.catalog.lastStatuses)
	}

	res, err := env.svc.Match(ctx, MatchRequest{Patient: testProfile(), Options: matching.Options{IncludeInactive: true}})
	if err != nil {
		t.Fatal(err)
	}
	if env.catalog.lastStatuses != nil {
		t.Errorf("expected no prefilter with include_inactive, got %v", env.catalog.lastStatuses)
	}
	if res.TotalCount != 3 {
		t.Errorf("expected all 3 trials, got %d", res.TotalCount)
	}
}

func TestService_Match_ConfiguredDistanceUnit(t *testing.T) {
	env := newTestEnv()
	env.svc.cfg.DistanceUnit = matching.Kilometers
	res, err := env.svc.Match(context.Background(), MatchRequest{Patient: testProfile()})
	if err != nil {
		t.Fatal(err)
	}
	tm := res.Matches[0]
	if tm.Distance == nil || tm.DistanceUnit != matching.Kilometers {
		t.Errorf("expected a distance in km, got %v %s", tm.Distance, tm.DistanceUnit)
	}
	if rec := env.repo.byPatient["patient-1"][0]; rec.DistanceUnit == nil || *rec.DistanceUnit != "km" {
		t.Errorf("expected stored unit km, got %v", rec.DistanceUnit)
	}
}

func TestService_Match_InvalidRequest(t *testing.T) {
	env := newTestEnv()
	p := testProfile()
	p.Demographics.Age = 200
	_, err := env.svc.Match(context.Background(), MatchRequest{Patient: p})
	if !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("expected ErrInvalidProfile, got %v", err)
	}
	_, err = env.svc.Match(context.Background(), MatchRequest{Patient: testProfile(), Options: matching.Options{SortBy: "name"}})
	if !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("expected ErrInvalidProfile for bad sort_by, got %v", err)
	}
	if env.catalog.listCalls != 0 {
		t.Error("invalid requests must not reach the catalog")
	}
}

func TestService_Match_CacheFailureIgnored(t *testing.T) {
	env := newTestEnv()
	env.cache.getErr = errors.New("connection refused")
	res, err := env.svc.Match(context.Background(), MatchRequest{Patient: testProfile()})
	if err != nil {
		t.Fatalf("cache failures must not fail matching: %v", err)
	}
	if res.TotalCount != 2 {
		t.Errorf("expected 2 matches, got %d", res.TotalCount)
	}
}

func TestService_Match_WithoutCache(t *testing.T) {
	env := newTestEnv()
	env.svc.SetCache(nil)
	if _, err := env.svc.Match(context.Background(), MatchRequest{Patient: testProfile()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.cache.gets != 0 {
		t.Error("detached cache should not be consulted")
	}
}

func TestService_Match_DeadlineExceeded(t *testing.T) {
	env := newTestEnv()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := env.svc.Match(ctx, MatchRequest{Patient: testProfile()})
	if err != nil {
		t.Fatalf("a truncated batch is not an error: %v", err)
	}
	if !res.Partial || res.SkippedTrials != 2 {
		t.Errorf("expected partial batch with 2 skipped trials, got partial=%v skipped=%d", res.Partial, res.SkippedTrials)
	}
	if res.TotalCount != 0 {
		t.Errorf("expected no evaluated trials, got %d", res.TotalCount)
	}
	if env.cache.sets != 0 {
		t.Error("partial batches must not be cached")
	}
}

func TestService_Match_PaginationRanks(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.Match(context.Background(), MatchRequest{
		Patient: testProfile(),
		Options: matching.Options{Limit: 1, Offset: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	stored := env.repo.byPatient["patient-1"]
	if len(stored) != 1 || stored[0].Rank != 2 {
		t.Errorf("expected one stored match ranked 2, got %+v", stored)
	}
}

func TestService_Match_CacheHitPersists(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	req := MatchRequest{Patient: testProfile()}

	if _, err := env.svc.Match(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.ClearMatches(ctx, "patient-1"); err != nil {
		t.Fatal(err)
	}
	res, err := env.svc.Match(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if env.catalog.listCalls != 1 {
		t.Fatalf("expected second run to be served from cache, got %d loads", env.catalog.listCalls)
	}

	items, total, err := env.svc.ListMatches(ctx, "patient-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != len(res.Matches) {
		t.Fatalf("expected %d stored matches after cached run, got %d", len(res.Matches), total)
	}
	for i, m := range res.Matches {
		if items[i].StudyID.String() != m.Trial.ID || items[i].Rank != i+1 {
			t.Errorf("stored match %d is %s rank %d, returned %s", i, items[i].StudyID, items[i].Rank, m.Trial.ID)
		}
	}
}

func TestService_Match_CachedPageReplacesStored(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	page := func(offset int) matching.MatchResults {
		res, err := env.svc.Match(ctx, MatchRequest{
			Patient: testProfile(),
			Options: matching.Options{Limit: 1, Offset: offset},
		})
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	first := page(0)
	page(1)
	again := page(0)
	if again.Matches[0].Trial.ID != first.Matches[0].Trial.ID {
		t.Fatalf("expected cached first page, got %s", again.Matches[0].Trial.ID)
	}

	stored := env.repo.byPatient["patient-1"]
	if len(stored) != 1 || stored[0].StudyID.String() != first.Matches[0].Trial.ID || stored[0].Rank != 1 {
		t.Errorf("expected stored rows to follow the returned first page, got %+v", stored)
	}
}

// ── Single study ──

func TestService_MatchStudy(t *testing.T) {
	env := newTestEnv()
	tm, err := env.svc.MatchStudy(context.Background(), closedStudy, MatchRequest{Patient: testProfile()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tm.Trial.ID != closedStudy.String() {
		t.Errorf("expected closed study to be scored regardless of status, got %s", tm.Trial.ID)
	}

	_, err = env.svc.MatchStudy(context.Background(), uuid.New(), MatchRequest{Patient: testProfile()})
	if !errors.Is(err, ErrStudyNotFound) {
		t.Errorf("expected ErrStudyNotFound, got %v", err)
	}
}

func TestService_Evaluate(t *testing.T) {
	env := newTestEnv()
	res, err := env.svc.Evaluate(context.Background(), seniorsStudy, testProfile())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != matching.StatusIneligible || res.IsEligible {
		t.Errorf("expected ineligible, got %s", res.Status)
	}

	res, err = env.svc.Evaluate(context.Background(), diabetesStudy, testProfile())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != matching.StatusEligible {
		t.Errorf("expected eligible, got %s", res.Status)
	}
}

// ── Referral ──

func TestService_Refer(t *testing.T) {
	env := newTestEnv()
	note := "discussed at tumour board"
	e, tm, err := env.svc.Refer(context.Background(), diabetesStudy, ReferralRequest{Patient: testProfile(), Note: &note}, "dr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Status != "pre-screening" || e.PatientID != "patient-1" {
		t.Errorf("unexpected enrollment %+v", e)
	}
	if e.MatchScore == nil || *e.MatchScore != tm.MatchScore {
		t.Errorf("expected match score %d on enrollment", tm.MatchScore)
	}
	if e.EligibilityStatus == nil || *e.EligibilityStatus != string(tm.EligibilityStatus) {
		t.Errorf("expected eligibility status on enrollment")
	}
	if e.ReferredBy == nil || *e.ReferredBy != "dr-1" {
		t.Errorf("expected referred_by dr-1, got %v", e.ReferredBy)
	}
	if len(env.catalog.enrollments) != 1 {
		t.Errorf("expected 1 enrollment, got %d", len(env.catalog.enrollments))
	}
}

func TestService_Refer_Ineligible(t *testing.T) {
	env := newTestEnv()
	_, tm, err := env.svc.Refer(context.Background(), seniorsStudy, ReferralRequest{Patient: testProfile()}, "")
	if !errors.Is(err, ErrIneligible) {
		t.Fatalf("expected ErrIneligible, got %v", err)
	}
	if tm.EligibilityStatus != matching.StatusIneligible {
		t.Errorf("expected the match to be returned, got %s", tm.EligibilityStatus)
	}
	if len(env.catalog.enrollments) != 0 {
		t.Error("ineligible patients must not be enrolled")
	}
}

// ── Stored matches ──

func TestService_ListAndClearMatches(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	if _, _, err := env.svc.ListMatches(ctx, "", 10, 0); err == nil {
		t.Error("expected error for missing patient_id")
	}
	if _, err := env.svc.Match(ctx, MatchRequest{Patient: testProfile()}); err != nil {
		t.Fatal(err)
	}
	items, total, err := env.svc.ListMatches(ctx, "patient-1", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(items) != 1 {
		t.Errorf("expected 1 of 2, got %d of %d", len(items), total)
	}
	if err := env.svc.ClearMatches(ctx, "patient-1"); err != nil {
		t.Fatal(err)
	}
	if _, total, _ = env.svc.ListMatches(ctx, "patient-1", 10, 0); total != 0 {
		t.Errorf("expected no matches after clearing, got %d", total)
	}
}

func TestCacheKey(t *testing.T) {
	p := testProfile()
	a, err := cacheKey(&p, matching.Options{}.WithDefaults())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := cacheKey(&p, matching.Options{}.WithDefaults())
	if a != b {
		t.Error("equal requests must hash equally")
	}
	p.Demographics.Age = 46
	c, _ := cacheKey(&p, matching.Options{}.WithDefaults())
	if a == c {
		t.Error("different patients must hash differently")
	}
}
