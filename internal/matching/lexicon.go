package matching

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lexicon holds the lookup tables used by the text heuristics. It is treated
// as immutable once handed to an evaluator.
type Lexicon struct {
	// LabAliases maps a criterion field (e.g. "hemoglobin") to codes and
	// name fragments that identify the matching lab result.
	LabAliases map[string][]string `yaml:"lab_aliases"`
	// StopWords are dropped when extracting keywords from criterion text.
	StopWords []string `yaml:"stop_words"`
	// TreatmentClasses maps a treatment keyword (e.g. "chemotherapy") to
	// drug or procedure names that belong to it.
	TreatmentClasses map[string][]string `yaml:"treatment_classes"`

	stop map[string]struct{}
}

// DefaultLexicon returns the built-in tables.
func DefaultLexicon() *Lexicon {
	lex := &Lexicon{
		LabAliases: map[string][]string{
			"hemoglobin":   {"hemoglobin", "haemoglobin", "hgb", "hb", "718-7"},
			"hba1c":        {"hba1c", "a1c", "glycated", "glycohemoglobin", "4548-4"},
			"platelets":    {"platelet", "plt", "777-3"},
			"wbc":          {"wbc", "white blood", "leukocyte", "6690-2"},
			"anc":          {"anc", "neutrophil", "751-8"},
			"creatinine":   {"creatinine", "creat", "cr", "2160-0"},
			"egfr":         {"egfr", "gfr", "glomerular", "33914-3"},
			"alt":          {"alt", "sgpt", "alanine aminotransferase", "1742-6"},
			"ast":          {"ast", "sgot", "aspartate aminotransferase", "1920-8"},
			"bilirubin":    {"bilirubin", "bili", "tbil", "1975-2"},
			"glucose":      {"glucose", "glu", "2345-7"},
			"inr":          {"inr", "6301-6"},
			"albumin":      {"albumin", "alb", "1751-7"},
			"potassium":    {"potassium", "2823-3"},
			"sodium":       {"sodium", "2951-2"},
			"ldl":          {"ldl", "low density", "13457-7"},
			"psa":          {"psa", "prostate specific", "2857-1"},
			"testosterone": {"testosterone", "2986-8"},
		},
		StopWords: []string{
			"patient", "patients", "subject", "subjects", "participant", "participants",
			"with", "without", "have", "has", "having", "must", "should", "will",
			"history", "diagnosis", "diagnosed", "confirmed", "documented", "evidence",
			"prior", "previous", "previously", "known", "current", "currently", "active",
			"within", "during", "before", "after", "months", "month", "years", "year",
			"weeks", "week", "days", "least", "more", "less", "than", "other",
			"that", "which", "this", "those", "these", "from", "into", "such",
			"including", "include", "includes", "excluding", "except", "any",
			"treatment", "therapy", "received", "receiving", "undergoing", "underwent",
			"disease", "condition", "stage", "severe", "moderate", "mild",
			"eligible", "able", "willing", "provide", "informed", "consent",
			"type", "grade", "level", "levels", "count", "value", "normal", "limit",
		},
		TreatmentClasses: map[string][]string{
			"chemotherapy": {
				"chemotherapy", "cisplatin", "carboplatin", "oxaliplatin", "paclitaxel",
				"docetaxel", "doxorubicin", "cyclophosphamide", "gemcitabine",
				"fluorouracil", "capecitabine", "etoposide", "pemetrexed",
			},
			"immunotherapy": {
				"immunotherapy", "pembrolizumab", "nivolumab", "atezolizumab",
				"durvalumab", "ipilimumab", "cemiplimab",
			},
			"radiation": {"radiation", "radiotherapy", "brachytherapy", "stereotactic"},
			"insulin":   {"insulin", "glargine", "lispro", "aspart", "detemir", "degludec"},
			"anticoagulant": {
				"anticoagulant", "warfarin", "apixaban", "rivaroxaban", "dabigatran",
				"edoxaban", "heparin", "enoxaparin",
			},
			"steroid": {
				"steroid", "corticosteroid", "prednisone", "prednisolone",
				"dexamethasone", "methylprednisolone", "hydrocortisone",
			},
			"metformin":  {"metformin"},
			"statin":     {"statin", "atorvastatin", "simvastatin", "rosuvastatin", "pravastatin"},
			"surgery":    {"surgery", "resection", "ectomy", "transplant"},
			"transplant": {"transplant", "transplantation"},
		},
	}
	lex.index()
	return lex
}

// LoadLexicon reads a YAML lexicon file and merges it over the defaults.
// Tables present in the file replace the corresponding default entries;
// stop words are appended.
func LoadLexicon(path string) (*Lexicon, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon %s: %w", path, err)
	}
	var fileLex Lexicon
	if err := yaml.Unmarshal(raw, &fileLex); err != nil {
		return nil, fmt.Errorf("parse lexicon %s: %w", path, err)
	}
	return mergeLexicon(DefaultLexicon(), fileLex), nil
}

func mergeLexicon(base *Lexicon, override Lexicon) *Lexicon {
	for field, aliases := range override.LabAliases {
		base.LabAliases[strings.ToLower(field)] = lowerAll(aliases)
	}
	for class, members := range override.TreatmentClasses {
		base.TreatmentClasses[strings.ToLower(class)] = lowerAll(members)
	}
	base.StopWords = append(base.StopWords, lowerAll(override.StopWords)...)
	base.index()
	return base
}

func (l *Lexicon) index() {
	l.stop = make(map[string]struct{}, len(l.StopWords))
	for _, w := range l.StopWords {
		l.stop[strings.ToLower(w)] = struct{}{}
	}
}

func (l *Lexicon) isStopWord(w string) bool {
	_, ok := l.stop[w]
	return ok
}

// labAliases returns the aliases for a field; the field name itself is
// always an alias.
func (l *Lexicon) labAliases(field string) []string {
	field = strings.ToLower(strings.TrimSpace(field))
	aliases := append([]string{field}, l.LabAliases[field]...)
	return aliases
}

// treatmentTerms expands a keyword into the drug and procedure names of its
// class, or just the keyword when it names no class.
func (l *Lexicon) treatmentTerms(keyword string) []string {
	if members, ok := l.TreatmentClasses[keyword]; ok {
		return members
	}
	return []string{keyword}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
