package matching

import (
	"context"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type SortBy string

const (
	SortByScore     SortBy = "score"
	SortByDistance  SortBy = "distance"
	SortByRelevance SortBy = "relevance"
)

const (
	DefaultLimit       = 50
	DefaultMaxDistance = 100.0
	MaxNearestSites    = 5
)

// DefaultStatusFilter holds the recruiting-like statuses used when the
// caller does not supply a status filter.
var DefaultStatusFilter = []string{
	"recruiting",
	"not_yet_recruiting",
	"enrolling_by_invitation",
	"active_recruiting",
}

// Options controls filtering, scoring and paging of a matching run.
// Zero values select the defaults.
type Options struct {
	MaxDistance     float64      `json:"max_distance,omitempty"`
	DistanceUnit    DistanceUnit `json:"distance_unit,omitempty"`
	MinMatchScore   int          `json:"min_match_score,omitempty"`
	IncludeInactive bool         `json:"include_inactive,omitempty"`
	StatusFilter    []string     `json:"status_filter,omitempty"`
	PhaseFilter     []string     `json:"phase_filter,omitempty"`
	Limit           int          `json:"limit,omitempty"`
	Offset          int          `json:"offset,omitempty"`
	SortBy          SortBy       `json:"sort_by,omitempty"`
}

// WithDefaults returns a copy of o with zero values replaced by defaults.
func (o Options) WithDefaults() Options {
	if o.MaxDistance <= 0 {
		o.MaxDistance = DefaultMaxDistance
	}
	if o.DistanceUnit == "" {
		o.DistanceUnit = Miles
	}
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.SortBy == "" {
		o.SortBy = SortByScore
	}
	if len(o.StatusFilter) == 0 {
		o.StatusFilter = DefaultStatusFilter
	}
	return o
}

// Matcher matches patients to candidate trials. A Matcher holds no mutable
// state and may be shared across goroutines.
type Matcher struct {
	engine  *EligibilityEngine
	workers int
	logger  zerolog.Logger
}

type Option func(*Matcher)

// WithLexicon sets the lookup tables used by criterion evaluation.
func WithLexicon(lex *Lexicon) Option {
	return func(m *Matcher) {
		m.engine = NewEligibilityEngine(NewCriterionEvaluator(lex))
	}
}

// WithWorkers bounds the number of trials evaluated concurrently.
// Values below 1 select runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(m *Matcher) { m.workers = n }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Matcher) { m.logger = logger }
}

func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	if m.engine == nil {
		m.engine = NewEligibilityEngine(nil)
	}
	if m.workers < 1 {
		m.workers = runtime.NumCPU()
	}
	return m
}

// EvaluateEligibility returns the eligibility verdict without scoring.
func (m *Matcher) EvaluateEligibility(p *PatientProfile, t *Trial) EligibilityResult {
	return m.engine.Evaluate(p, t)
}

// CalculateTrialMatch scores a single trial for ad-hoc use. Status and phase
// filters do not apply.
func (m *Matcher) CalculateTrialMatch(p *PatientProfile, t *Trial, opts Options) TrialMatch {
	return m.calculate(p, t, opts.WithDefaults())
}

func (m *Matcher) calculate(p *PatientProfile, t *Trial, opts Options) TrialMatch {
	elig := m.engine.Evaluate(p, t)

	match := TrialMatch{
		Trial: TrialSummary{
			ID:         t.ID,
			NCTID:      t.NCTID,
			Title:      t.Title,
			Status:     t.Status,
			Phase:      t.Phase,
			Conditions: t.conditions(),
		},
		EligibilityStatus: elig.Status,
		MatchedCriteria:   elig.MatchedCriteria,
		UnmatchedCriteria: elig.UnmatchedCriteria,
		UncertainCriteria: elig.UncertainCriteria,
		NearestSites:      []SiteDistance{},
	}

	// nearest is the closest active site regardless of the radius; it only
	// feeds the proximity score when no site is in range.
	var nearest *float64
	if p != nil && p.Location.Valid() {
		sites, closest := siteDistances(*p.Location, t.Sites, opts)
		nearest = closest
		if len(sites) > 0 {
			d := sites[0].Distance
			match.Distance = &d
			match.DistanceUnit = opts.DistanceUnit
			if len(sites) > MaxNearestSites {
				sites = sites[:MaxNearestSites]
			}
			match.NearestSites = sites
		}
	}

	var conditions []string
	if p != nil {
		conditions = p.Conditions
	}
	proximity := match.Distance
	if proximity == nil {
		proximity = nearest
	}
	match.Scores = ScoreBreakdown{
		ConditionMatch:   ConditionMatchScore(conditions, t.conditions()),
		DemographicMatch: DemographicScore(elig.Evaluations),
		CriteriaMatch:    elig.Score,
		ProximityScore:   ProximityScore(proximity, opts.MaxDistance),
	}
	match.MatchScore = OverallScore(match.Scores)
	return match
}

// siteDistances returns the active sites with coordinates that lie within
// the radius, nearest first, plus the distance to the closest active site.
func siteDistances(from GeoPoint, sites []TrialSite, opts Options) ([]SiteDistance, *float64) {
	var (
		in      []SiteDistance
		closest *float64
	)
	for _, s := range sites {
		if !s.active() || !s.Location.Valid() {
			continue
		}
		d := Round1(Distance(from, *s.Location, opts.DistanceUnit))
		if closest == nil || d < *closest {
			v := d
			closest = &v
		}
		if d <= opts.MaxDistance {
			in = append(in, SiteDistance{SiteID: s.ID, Name: s.Name, Distance: d, Unit: opts.DistanceUnit})
		}
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].Distance < in[j].Distance })
	return in, closest
}

// MatchPatientToTrials filters, scores, sorts and pages the candidate
// trials. When ctx ends before every candidate is evaluated the result is
// marked Partial and counts only the evaluated trials.
func (m *Matcher) MatchPatientToTrials(ctx context.Context, p *PatientProfile, trials []Trial, opts Options) MatchResults {
	start := time.Now()
	opts = opts.WithDefaults()

	candidates := filterTrials(trials, opts)

	slots := make([]*TrialMatch, len(candidates))
	var g errgroup.Group
	g.SetLimit(m.workers)
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			tm := m.calculate(p, &candidates[i], opts)
			slots[i] = &tm
			return nil
		})
	}
	_ = g.Wait()

	evaluated := make([]TrialMatch, 0, len(candidates))
	for _, tm := range slots {
		if tm != nil {
			evaluated = append(evaluated, *tm)
		}
	}

	summary := summarize(len(trials), len(candidates), evaluated)

	matches := evaluated
	if opts.MinMatchScore > 0 {
		matches = make([]TrialMatch, 0, len(evaluated))
		for _, tm := range evaluated {
			if tm.MatchScore >= opts.MinMatchScore {
				matches = append(matches, tm)
			}
		}
	}
	sortMatches(matches, opts.SortBy)

	total := len(matches)
	page := paginate(matches, opts.Offset, opts.Limit)

	res := MatchResults{
		Matches:    page,
		TotalCount: total,
		Pagination: Pagination{
			Limit:   opts.Limit,
			Offset:  opts.Offset,
			HasMore: opts.Offset < total-opts.Limit,
		},
		Summary:       summary,
		SkippedTrials: len(candidates) - len(evaluated),
	}
	res.Partial = res.SkippedTrials > 0
	res.ProcessingTime = time.Since(start).Milliseconds()

	ev := m.logger.Debug()
	if res.Partial {
		ev = m.logger.Warn()
	}
	patientID := ""
	if p != nil {
		patientID = p.ID
	}
	ev.Str("patient_id", patientID).
		Int("candidates", len(candidates)).
		Int("evaluated", len(evaluated)).
		Int("returned", len(page)).
		Bool("partial", res.Partial).
		Int64("duration_ms", res.ProcessingTime).
		Msg("trial matching completed")
	return res
}

func filterTrials(trials []Trial, opts Options) []Trial {
	statuses := tokenSet(opts.StatusFilter, normalizeToken)
	phases := tokenSet(opts.PhaseFilter, normalizePhase)

	out := make([]Trial, 0, len(trials))
	for _, t := range trials {
		if !opts.IncludeInactive {
			if _, ok := statuses[normalizeToken(t.Status)]; !ok {
				continue
			}
		}
		if len(phases) > 0 {
			if _, ok := phases[normalizePhase(t.Phase)]; !ok {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func tokenSet(values []string, norm func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[norm(v)] = struct{}{}
	}
	return set
}

// normalizePhase folds "Phase 2", "PHASE_2" and "phase-2" to "phase2".
func normalizePhase(s string) string {
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(s)))
}

func sortMatches(matches []TrialMatch, by SortBy) {
	switch by {
	case SortByDistance:
		sort.SliceStable(matches, func(i, j int) bool {
			a, b := matches[i].Distance, matches[j].Distance
			if a == nil || b == nil {
				return a != nil && b == nil
			}
			return *a < *b
		})
	case SortByRelevance:
		sort.SliceStable(matches, func(i, j int) bool {
			a, b := matches[i].Scores.ConditionMatch, matches[j].Scores.ConditionMatch
			if a != b {
				return a > b
			}
			return matches[i].MatchScore > matches[j].MatchScore
		})
	default:
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].MatchScore > matches[j].MatchScore
		})
	}
}

func paginate(matches []TrialMatch, offset, limit int) []TrialMatch {
	if offset >= len(matches) {
		return []TrialMatch{}
	}
	if limit >= len(matches)-offset {
		return matches[offset:]
	}
	return matches[offset : offset+limit]
}

func summarize(total, candidates int, evaluated []TrialMatch) BatchSummary {
	s := BatchSummary{
		TotalTrials: total,
		FilteredOut: total - candidates,
		Evaluated:   len(evaluated),
	}
	sum := 0
	for _, tm := range evaluated {
		sum += tm.MatchScore
		switch tm.EligibilityStatus {
		case StatusEligible:
			s.Eligible++
		case StatusPotentiallyEligible:
			s.PotentiallyEligible++
		case StatusIneligible:
			s.Ineligible++
		default:
			s.Unknown++
		}
	}
	if len(evaluated) > 0 {
		s.AverageScore = math.Round(float64(sum)/float64(len(evaluated))*10) / 10
	}
	return s
}
