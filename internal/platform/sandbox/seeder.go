// Package sandbox generates synthetic patients and trials for demo tenants,
// load tests and the offline match command. Output is reproducible for a
// given seed.
package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ehr/trialmatch/internal/matching"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated synthetic data.
type SeedConfig struct {
	PatientCount      int   `json:"patient_count"`
	TrialCount        int   `json:"trial_count"`
	SitesPerTrial     int   `json:"sites_per_trial"`
	LabsPerPatient    int   `json:"labs_per_patient"`
	ConditionsPerCase int   `json:"conditions_per_case"`
	Seed              int64 `json:"seed"`
}

// DefaultSeedConfig returns a SeedConfig sized for a demo tenant.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:      25,
		TrialCount:        40,
		SitesPerTrial:     3,
		LabsPerPatient:    3,
		ConditionsPerCase: 2,
	}
}

// ---------------------------------------------------------------------------
// Reference pools
// ---------------------------------------------------------------------------

type city struct {
	name, state, postal string
	lat, lng            float64
}

var cities = []city{
	{"Boston", "MA", "02118", 42.3601, -71.0589},
	{"New York", "NY", "10016", 40.7128, -74.0060},
	{"Philadelphia", "PA", "19104", 39.9526, -75.1652},
	{"Chicago", "IL", "60611", 41.8781, -87.6298},
	{"Houston", "TX", "77030", 29.7604, -95.3698},
	{"Denver", "CO", "80045", 39.7392, -104.9903},
	{"Seattle", "WA", "98195", 47.6062, -122.3321},
	{"Atlanta", "GA", "30322", 33.7490, -84.3880},
}

type labDef struct {
	field, code, display, unit string
	low, high                  float64
}

var labs = []labDef{
	{"hba1c", "4548-4", "Hemoglobin A1c", "%", 5.0, 11.5},
	{"egfr", "33914-3", "eGFR", "mL/min/1.73m2", 20, 110},
	{"creatinine", "2160-0", "Creatinine", "mg/dL", 0.6, 2.8},
	{"hemoglobin", "718-7", "Hemoglobin", "g/dL", 9.0, 16.5},
	{"platelets", "777-3", "Platelets", "10*3/uL", 90, 420},
	{"ldl", "13457-7", "LDL Cholesterol", "mg/dL", 60, 210},
}

type conditionDef struct {
	display, code string
	medications   []string
	lab           string
}

var conditions = []conditionDef{
	{"Type 2 Diabetes Mellitus", "44054006", []string{"Metformin", "Insulin glargine", "Empagliflozin"}, "hba1c"},
	{"Essential Hypertension", "59621000", []string{"Lisinopril", "Amlodipine"}, "creatinine"},
	{"Chronic Kidney Disease", "709044004", []string{"Losartan"}, "egfr"},
	{"Asthma", "195967001", []string{"Albuterol", "Fluticasone"}, ""},
	{"Breast Cancer", "254837009", []string{"Tamoxifen", "Letrozole"}, "hemoglobin"},
	{"Hyperlipidemia", "55822004", []string{"Atorvastatin", "Rosuvastatin"}, "ldl"},
	{"Rheumatoid Arthritis", "69896004", []string{"Methotrexate", "Adalimumab"}, "platelets"},
	{"Major Depressive Disorder", "370143000", []string{"Sertraline"}, ""},
}

var trialStatuses = []string{
	"recruiting", "recruiting", "recruiting", "not-yet-recruiting",
	"enrolling-by-invitation", "active-not-recruiting", "completed",
}

var phases = []string{"phase-1", "phase-2", "phase-2", "phase-3", "phase-3", "phase-4"}

var sponsors = []string{"Northbridge Pharma", "Atlas Therapeutics", "Cedar Health", "Helix Bio"}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic patients and trials.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
	now     time.Time
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (g *DataGenerator) nextID(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%08x-%04x", prefix, g.rng.Uint32(), g.counter)
}

func (g *DataGenerator) between(low, high float64) float64 {
	return low + g.rng.Float64()*(high-low)
}

// round rounds to one decimal so generated values print cleanly.
func round(v float64) float64 {
	return matching.Round1(v)
}

// jitter offsets a point by up to ~25 miles.
func (g *DataGenerator) jitter(c city) *matching.GeoPoint {
	return &matching.GeoPoint{
		Latitude:   c.lat + g.between(-0.35, 0.35),
		Longitude:  c.lng + g.between(-0.35, 0.35),
		City:       c.name,
		State:      c.state,
		PostalCode: c.postal,
		Country:    "US",
	}
}

// pickConditions returns n distinct conditions.
func (g *DataGenerator) pickConditions(n int) []conditionDef {
	if n > len(conditions) {
		n = len(conditions)
	}
	out := make([]conditionDef, 0, n)
	for _, i := range g.rng.Perm(len(conditions))[:n] {
		out = append(out, conditions[i])
	}
	return out
}

func labByField(field string) (labDef, bool) {
	for _, l := range labs {
		if l.field == field {
			return l, true
		}
	}
	return labDef{}, false
}

// GeneratePatient produces a patient with conditions, matching medications,
// recent labs and a home location.
func (g *DataGenerator) GeneratePatient(cfg SeedConfig) matching.PatientProfile {
	gender := "female"
	if g.rng.Intn(2) == 0 {
		gender = "male"
	}
	p := matching.PatientProfile{
		ID: g.nextID("pat"),
		Demographics: matching.Demographics{
			Age:    18 + g.rng.Intn(70),
			Gender: gender,
		},
		Conditions:  []string{},
		Medications: []matching.Medication{},
		Allergies:   []string{},
		VitalSigns: []matching.VitalSign{
			{Type: "weight", Value: round(g.between(50, 120)), Unit: "kg", Date: g.now.AddDate(0, 0, -g.rng.Intn(90))},
		},
		Location: g.jitter(cities[g.rng.Intn(len(cities))]),
	}

	n := 1
	if cfg.ConditionsPerCase > 1 {
		n += g.rng.Intn(cfg.ConditionsPerCase)
	}
	seenLab := map[string]bool{}
	for _, c := range g.pickConditions(n) {
		p.Conditions = append(p.Conditions, c.display)
		p.CodedConditions = append(p.CodedConditions, matching.CodedCondition{
			System: "http://snomed.info/sct", Code: c.code, Display: c.display,
		})
		if g.rng.Intn(3) > 0 {
			p.Medications = append(p.Medications, matching.Medication{
				Name: c.medications[g.rng.Intn(len(c.medications))], Status: "active",
			})
		}
		if c.lab != "" {
			seenLab[c.lab] = true
		}
	}
	for _, i := range g.rng.Perm(len(labs))[:min(max(cfg.LabsPerPatient, 0), len(labs))] {
		seenLab[labs[i].field] = true
	}
	for _, l := range labs {
		if !seenLab[l.field] {
			continue
		}
		p.LabResults = append(p.LabResults, matching.LabResult{
			Code:        l.code,
			DisplayName: l.display,
			Value:       round(g.between(l.low, l.high)),
			Unit:        l.unit,
			Date:        g.now.AddDate(0, 0, -g.rng.Intn(180)),
		})
	}
	if g.rng.Intn(5) == 0 {
		p.Allergies = append(p.Allergies, "Penicillin")
	}
	return p
}

// GenerateTrial produces a trial built around one condition, with age and
// gender bounds, structured criteria and located sites.
func (g *DataGenerator) GenerateTrial(cfg SeedConfig) matching.Trial {
	cond := conditions[g.rng.Intn(len(conditions))]
	id := g.nextID("trial")
	minAge := 18 + 5*g.rng.Intn(4)
	maxAge := minAge + 30 + 5*g.rng.Intn(8)
	gender := "all"
	if cond.display == "Breast Cancer" {
		gender = "female"
	}

	t := matching.Trial{
		ID:         id,
		NCTID:      fmt.Sprintf("NCT%08d", g.rng.Intn(100000000)),
		Title:      fmt.Sprintf("%s %s study of %s", sponsors[g.rng.Intn(len(sponsors))], phases[g.rng.Intn(len(phases))], cond.display),
		Status:     trialStatuses[g.rng.Intn(len(trialStatuses))],
		Phase:      phases[g.rng.Intn(len(phases))],
		Conditions: []string{cond.display},
		Eligibility: matching.TrialEligibility{
			MinimumAge:      &minAge,
			MaximumAge:      &maxAge,
			Gender:          gender,
			Conditions:      []string{cond.display},
			EligibilityText: fmt.Sprintf("Adults %d-%d with %s", minAge, maxAge, cond.display),
			Criteria: matching.CriteriaSet{
				Inclusion: []matching.CriterionItem{{
					ID:       "inc-condition",
					Text:     "Confirmed diagnosis of " + cond.display,
					Category: matching.CategoryCondition,
				}},
				Exclusion: []matching.CriterionItem{},
			},
		},
	}

	if l, ok := labByField(cond.lab); ok {
		threshold := round(l.low + (l.high-l.low)*0.75)
		t.Eligibility.Criteria.Inclusion = append(t.Eligibility.Criteria.Inclusion, matching.CriterionItem{
			ID:       "inc-" + l.field,
			Text:     fmt.Sprintf("%s at or below %.1f %s", l.display, threshold, l.unit),
			Category: matching.CategoryLaboratory,
			Field:    l.field,
			Operator: matching.OpLte,
			Value:    threshold,
			Unit:     l.unit,
		})
	}
	if g.rng.Intn(2) == 0 {
		med := cond.medications[g.rng.Intn(len(cond.medications))]
		t.Eligibility.Criteria.Exclusion = append(t.Eligibility.Criteria.Exclusion, matching.CriterionItem{
			ID:       "exc-prior-" + g.nextID("med"),
			Text:     "Prior treatment with " + med,
			Category: matching.CategoryTreatmentHistory,
			Field:    strings.ToLower(med),
		})
	}
	if g.rng.Intn(3) == 0 {
		t.Eligibility.Criteria.Exclusion = append(t.Eligibility.Criteria.Exclusion, matching.CriterionItem{
			ID:       "exc-pregnancy",
			Text:     "Pregnant or breastfeeding",
			Category: matching.CategoryCondition,
		})
	}

	for _, i := range g.rng.Perm(len(cities))[:min(cfg.SitesPerTrial, len(cities))] {
		c := cities[i]
		t.Sites = append(t.Sites, matching.TrialSite{
			ID:       g.nextID("site"),
			Name:     c.name + " Research Center",
			Status:   "active",
			City:     c.name,
			State:    c.state,
			Country:  "US",
			Location: g.jitter(c),
		})
	}
	return t
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Dataset is one generated batch.
type Dataset struct {
	Patients []matching.PatientProfile `json:"patients"`
	Trials   []matching.Trial          `json:"trials"`
}

// Seeder orchestrates synthetic data generation.
type Seeder struct {
	generator *DataGenerator
	config    SeedConfig
}

// NewSeeder creates a new Seeder with the given config. Zero counts fall
// back to the defaults.
func NewSeeder(config SeedConfig) *Seeder {
	def := DefaultSeedConfig()
	if config.PatientCount <= 0 {
		config.PatientCount = def.PatientCount
	}
	if config.TrialCount <= 0 {
		config.TrialCount = def.TrialCount
	}
	if config.SitesPerTrial <= 0 {
		config.SitesPerTrial = def.SitesPerTrial
	}
	if config.LabsPerPatient < 0 {
		config.LabsPerPatient = 0
	}
	if config.ConditionsPerCase <= 0 {
		config.ConditionsPerCase = def.ConditionsPerCase
	}
	return &Seeder{
		generator: NewDataGenerator(config.Seed),
		config:    config,
	}
}

// Generate creates all synthetic patients and trials according to config.
func (s *Seeder) Generate() *Dataset {
	ds := &Dataset{
		Patients: make([]matching.PatientProfile, 0, s.config.PatientCount),
		Trials:   make([]matching.Trial, 0, s.config.TrialCount),
	}
	for i := 0; i < s.config.TrialCount; i++ {
		ds.Trials = append(ds.Trials, s.generator.GenerateTrial(s.config))
	}
	for i := 0; i < s.config.PatientCount; i++ {
		ds.Patients = append(ds.Patients, s.generator.GeneratePatient(s.config))
	}
	return ds
}

// ExportNDJSON writes one patient profile per line.
func (ds *Dataset) ExportNDJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	for i := range ds.Patients {
		if err := enc.Encode(&ds.Patients[i]); err != nil {
			return fmt.Errorf("encode patient %s: %w", ds.Patients[i].ID, err)
		}
	}
	return nil
}

// WriteFiles lays the dataset out for the match command: trials.json plus
// one patients/<id>.json per patient.
func (ds *Dataset) WriteFiles(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "patients"), 0o755); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "trials.json"), ds.Trials); err != nil {
		return err
	}
	for i := range ds.Patients {
		p := &ds.Patients[i]
		if err := writeJSON(filepath.Join(dir, "patients", p.ID+".json"), p); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}
