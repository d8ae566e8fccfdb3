package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ehr/trialmatch/internal/matching"
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

func TestNewDataGenerator_SameSeedSameOutput(t *testing.T) {
	cfg := DefaultSeedConfig()
	a := NewDataGenerator(42)
	b := NewDataGenerator(42)

	for i := 0; i < 5; i++ {
		pa, pb := a.GeneratePatient(cfg), b.GeneratePatient(cfg)
		ja, _ := json.Marshal(pa)
		jb, _ := json.Marshal(pb)
		if !bytes.Equal(ja, jb) {
			t.Fatalf("patient %d differs for the same seed", i)
		}
	}
	ta, tb := a.GenerateTrial(cfg), b.GenerateTrial(cfg)
	if ta.ID != tb.ID || ta.Title != tb.Title {
		t.Errorf("expected identical trials, got %s and %s", ta.ID, tb.ID)
	}
}

func TestNewDataGenerator_DifferentSeeds(t *testing.T) {
	cfg := DefaultSeedConfig()
	a := NewDataGenerator(1).GeneratePatient(cfg)
	b := NewDataGenerator(2).GeneratePatient(cfg)
	if a.ID == b.ID {
		t.Errorf("expected distinct ids for different seeds, both %s", a.ID)
	}
}

func TestGeneratePatient_Shape(t *testing.T) {
	g := NewDataGenerator(7)
	cfg := DefaultSeedConfig()

	for i := 0; i < 50; i++ {
		p := g.GeneratePatient(cfg)
		if p.ID == "" || !strings.HasPrefix(p.ID, "pat-") {
			t.Fatalf("unexpected patient id %q", p.ID)
		}
		if p.Demographics.Age < 18 || p.Demographics.Age > 150 {
			t.Errorf("age %d out of range", p.Demographics.Age)
		}
		if p.Demographics.Gender != "male" && p.Demographics.Gender != "female" {
			t.Errorf("unexpected gender %q", p.Demographics.Gender)
		}
		if len(p.Conditions) == 0 || len(p.Conditions) > cfg.ConditionsPerCase {
			t.Errorf("expected 1..%d conditions, got %d", cfg.ConditionsPerCase, len(p.Conditions))
		}
		if len(p.CodedConditions) != len(p.Conditions) {
			t.Errorf("expected a code per condition, got %d for %d", len(p.CodedConditions), len(p.Conditions))
		}
		if p.Location == nil {
			t.Fatal("expected a location")
		}
		if p.Location.Latitude < -90 || p.Location.Latitude > 90 || p.Location.Longitude < -180 || p.Location.Longitude > 180 {
			t.Errorf("invalid coordinates %+v", p.Location)
		}
		if p.Medications == nil || p.Allergies == nil {
			t.Error("expected non-nil medication and allergy lists")
		}
		for _, l := range p.LabResults {
			if l.Code == "" || l.Unit == "" || l.Date.IsZero() {
				t.Errorf("incomplete lab %+v", l)
			}
		}
	}
}

func TestGeneratePatient_NoDuplicateLabs(t *testing.T) {
	g := NewDataGenerator(11)
	cfg := DefaultSeedConfig()
	cfg.LabsPerPatient = len(labs)

	p := g.GeneratePatient(cfg)
	seen := map[string]bool{}
	for _, l := range p.LabResults {
		if seen[l.Code] {
			t.Errorf("duplicate lab %s", l.Code)
		}
		seen[l.Code] = true
	}
	if len(p.LabResults) != len(labs) {
		t.Errorf("expected all %d labs, got %d", len(labs), len(p.LabResults))
	}
}

func TestGenerateTrial_Shape(t *testing.T) {
	g := NewDataGenerator(3)
	cfg := DefaultSeedConfig()

	for i := 0; i < 30; i++ {
		tr := g.GenerateTrial(cfg)
		if !strings.HasPrefix(tr.NCTID, "NCT") || len(tr.NCTID) != 11 {
			t.Errorf("unexpected nct id %q", tr.NCTID)
		}
		el := tr.Eligibility
		if el.MinimumAge == nil || el.MaximumAge == nil || *el.MinimumAge >= *el.MaximumAge {
			t.Errorf("invalid age bounds %v-%v", el.MinimumAge, el.MaximumAge)
		}
		if len(el.Criteria.Inclusion) == 0 {
			t.Error("expected at least one inclusion criterion")
		}
		if el.Criteria.Exclusion == nil {
			t.Error("expected non-nil exclusion list")
		}
		for _, c := range append(el.Criteria.Inclusion, el.Criteria.Exclusion...) {
			if c.ID == "" || c.Text == "" || c.Category == "" {
				t.Errorf("incomplete criterion %+v", c)
			}
		}
		if len(tr.Sites) != cfg.SitesPerTrial {
			t.Errorf("expected %d sites, got %d", cfg.SitesPerTrial, len(tr.Sites))
		}
		for _, s := range tr.Sites {
			if s.Location == nil {
				t.Errorf("site %s has no location", s.ID)
			}
		}
	}
}

func TestGenerateTrial_LabCriterionResolves(t *testing.T) {
	lex := matching.DefaultLexicon()
	g := NewDataGenerator(5)
	cfg := DefaultSeedConfig()

	for i := 0; i < 40; i++ {
		for _, c := range g.GenerateTrial(cfg).Eligibility.Criteria.Inclusion {
			if c.Category != matching.CategoryLaboratory {
				continue
			}
			if _, ok := lex.LabAliases[c.Field]; !ok {
				t.Errorf("lab field %q is not in the default lexicon", c.Field)
			}
			if c.Operator != matching.OpLte {
				t.Errorf("expected lte operator, got %s", c.Operator)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

func TestNewSeeder_Defaults(t *testing.T) {
	s := NewSeeder(SeedConfig{Seed: 9})
	def := DefaultSeedConfig()
	if s.config.PatientCount != def.PatientCount || s.config.TrialCount != def.TrialCount {
		t.Errorf("expected default counts, got %+v", s.config)
	}
	if s.config.SitesPerTrial != def.SitesPerTrial || s.config.ConditionsPerCase != def.ConditionsPerCase {
		t.Errorf("expected default shape, got %+v", s.config)
	}
}

func TestSeeder_Generate(t *testing.T) {
	ds := NewSeeder(SeedConfig{PatientCount: 4, TrialCount: 6, Seed: 21}).Generate()
	if len(ds.Patients) != 4 {
		t.Errorf("expected 4 patients, got %d", len(ds.Patients))
	}
	if len(ds.Trials) != 6 {
		t.Errorf("expected 6 trials, got %d", len(ds.Trials))
	}

	ids := map[string]bool{}
	for _, tr := range ds.Trials {
		if ids[tr.ID] {
			t.Errorf("duplicate trial id %s", tr.ID)
		}
		ids[tr.ID] = true
	}
}

func TestSeeder_DatasetMatches(t *testing.T) {
	ds := NewSeeder(SeedConfig{PatientCount: 5, TrialCount: 20, Seed: 99}).Generate()
	m := matching.NewMatcher()

	for i := range ds.Patients {
		res := m.MatchPatientToTrials(context.Background(), &ds.Patients[i], ds.Trials, matching.Options{IncludeInactive: true})
		if res.Partial {
			t.Fatalf("unexpected partial result for %s", ds.Patients[i].ID)
		}
		if res.TotalCount != len(ds.Trials) {
			t.Errorf("expected %d evaluated trials, got %d", len(ds.Trials), res.TotalCount)
		}
		for _, tm := range res.Matches {
			if tm.MatchScore < 0 || tm.MatchScore > 100 {
				t.Errorf("score %d out of range", tm.MatchScore)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

func TestDataset_ExportNDJSON(t *testing.T) {
	ds := NewSeeder(SeedConfig{PatientCount: 3, TrialCount: 1, Seed: 4}).Generate()

	var buf bytes.Buffer
	if err := ds.ExportNDJSON(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	var p matching.PatientProfile
	if err := json.Unmarshal([]byte(lines[0]), &p); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if p.ID != ds.Patients[0].ID {
		t.Errorf("expected %s, got %s", ds.Patients[0].ID, p.ID)
	}
}

func TestDataset_WriteFiles(t *testing.T) {
	dir := t.TempDir()
	ds := NewSeeder(SeedConfig{PatientCount: 2, TrialCount: 3, Seed: 8}).Generate()

	if err := ds.WriteFiles(dir); err != nil {
		t.Fatalf("write files: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "trials.json"))
	if err != nil {
		t.Fatalf("read trials: %v", err)
	}
	var trials []matching.Trial
	if err := json.Unmarshal(data, &trials); err != nil {
		t.Fatalf("decode trials: %v", err)
	}
	if len(trials) != 3 {
		t.Errorf("expected 3 trials, got %d", len(trials))
	}

	for _, p := range ds.Patients {
		if _, err := os.Stat(filepath.Join(dir, "patients", p.ID+".json")); err != nil {
			t.Errorf("missing patient file for %s: %v", p.ID, err)
		}
	}
}
