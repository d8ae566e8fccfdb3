package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/trialmatch/internal/domain/trialmatch"
	"github.com/ehr/trialmatch/internal/matching"
	"github.com/ehr/trialmatch/internal/platform/sandbox"
)

// offlineMatch holds the inputs of the match command.
type offlineMatch struct {
	PatientFile string
	TrialsFile  string
	LexiconFile string
	Timeout     time.Duration
	Options     matching.Options
}

func matchCmd() *cobra.Command {
	var m offlineMatch
	var sortBy, unit string

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match a patient against trials read from JSON files",
		RunE: func(cmd *cobra.Command, args []string) error {
			m.Options.SortBy = matching.SortBy(sortBy)
			m.Options.DistanceUnit = matching.DistanceUnit(unit)
			return runMatch(cmd.Context(), cmd.OutOrStdout(), m)
		},
	}
	cmd.Flags().StringVar(&m.PatientFile, "patient", "", "Path to the patient profile JSON")
	cmd.Flags().StringVar(&m.TrialsFile, "trials", "", "Path to a JSON array of trials")
	cmd.Flags().StringVar(&m.LexiconFile, "lexicon", "", "YAML lexicon merged over the built-in tables")
	cmd.Flags().DurationVar(&m.Timeout, "timeout", 0, "Batch deadline (0 disables)")
	cmd.Flags().StringVar(&sortBy, "sort-by", string(matching.SortByScore), "score, distance or relevance")
	cmd.Flags().StringVar(&unit, "unit", string(matching.Miles), "miles or km")
	cmd.Flags().Float64Var(&m.Options.MaxDistance, "max-distance", matching.DefaultMaxDistance, "Maximum site distance")
	cmd.Flags().IntVar(&m.Options.MinMatchScore, "min-score", 0, "Drop matches scoring below this")
	cmd.Flags().IntVar(&m.Options.Limit, "limit", matching.DefaultLimit, "Page size")
	cmd.Flags().IntVar(&m.Options.Offset, "offset", 0, "Page offset")
	cmd.Flags().BoolVar(&m.Options.IncludeInactive, "include-inactive", false, "Also match trials that are not recruiting")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("trials")
	return cmd
}

func runMatch(ctx context.Context, out io.Writer, m offlineMatch) error {
	var patient matching.PatientProfile
	if err := readJSON(m.PatientFile, &patient); err != nil {
		return err
	}
	if err := trialmatch.ValidateProfile(&patient); err != nil {
		return err
	}
	var trials []matching.Trial
	if err := readJSON(m.TrialsFile, &trials); err != nil {
		return err
	}

	lex := matching.DefaultLexicon()
	if m.LexiconFile != "" {
		loaded, err := matching.LoadLexicon(m.LexiconFile)
		if err != nil {
			return err
		}
		lex = loaded
	}
	matcher := matching.NewMatcher(
		matching.WithLexicon(lex),
		matching.WithLogger(zerolog.New(os.Stderr).Level(zerolog.WarnLevel)),
	)

	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	res := matcher.MatchPatientToTrials(ctx, &patient, trials, m.Options)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func sandboxCmd() *cobra.Command {
	var (
		cfg = sandbox.DefaultSeedConfig()
		out string
	)
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Generate synthetic patients and trials for the match command",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds := sandbox.NewSeeder(cfg).Generate()
			if err := ds.WriteFiles(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d trials and %d patients to %s\n", len(ds.Trials), len(ds.Patients), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "sandbox", "Output directory")
	cmd.Flags().IntVar(&cfg.PatientCount, "patients", cfg.PatientCount, "Number of patients")
	cmd.Flags().IntVar(&cfg.TrialCount, "trials", cfg.TrialCount, "Number of trials")
	cmd.Flags().IntVar(&cfg.SitesPerTrial, "sites", cfg.SitesPerTrial, "Sites per trial")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 0, "Random seed (0 picks one from the clock)")
	return cmd
}
