package trialmatch

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/trialmatch/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type matchRepoPG struct{ pool *pgxpool.Pool }

func NewMatchRepoPG(pool *pgxpool.Pool) MatchRepository {
	return &matchRepoPG{pool: pool}
}

func (r *matchRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

var matchColumns = []string{
	"id", "patient_id", "study_id", "nct_id", "trial_title", "trial_status", "match_score",
	"eligibility_status", "condition_score", "demographic_score", "criteria_score", "proximity_score",
	"distance", "distance_unit", "matched_criteria", "unmatched_criteria", "uncertain_criteria",
	"rank", "matched_at",
}

func scanMatch(row pgx.Row) (*MatchRecord, error) {
	var m MatchRecord
	err := row.Scan(&m.ID, &m.PatientID, &m.StudyID, &m.NCTID, &m.TrialTitle, &m.TrialStatus, &m.MatchScore,
		&m.EligibilityStatus, &m.ConditionScore, &m.DemographicScore, &m.CriteriaScore, &m.ProximityScore,
		&m.Distance, &m.DistanceUnit, &m.MatchedCriteria, &m.UnmatchedCriteria, &m.UncertainCriteria,
		&m.Rank, &m.MatchedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ReplaceForPatient queues the delete and every insert in one batch. pgx
// sends a batch outside an explicit transaction as a single implicit one,
// so readers never observe a half-written run.
func (r *matchRepoPG) ReplaceForPatient(ctx context.Context, patientID string, records []*MatchRecord) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM trial_match WHERE patient_id = $1`, patientID)
	for _, m := range records {
		m.PatientID = patientID
		batch.Queue(`
			INSERT INTO trial_match (patient_id, study_id, nct_id, trial_title, trial_status, match_score,
				eligibility_status, condition_score, demographic_score, criteria_score, proximity_score,
				distance, distance_unit, matched_criteria, unmatched_criteria, uncertain_criteria, rank)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			RETURNING id, matched_at`,
			m.PatientID, m.StudyID, m.NCTID, m.TrialTitle, m.TrialStatus, m.MatchScore,
			m.EligibilityStatus, m.ConditionScore, m.DemographicScore, m.CriteriaScore, m.ProximityScore,
			m.Distance, m.DistanceUnit, m.MatchedCriteria, m.UnmatchedCriteria, m.UncertainCriteria, m.Rank,
		)
	}

	br := r.conn(ctx).SendBatch(ctx, batch)
	defer br.Close()
	if _, err := br.Exec(); err != nil {
		return fmt.Errorf("clear previous matches: %w", err)
	}
	for _, m := range records {
		if err := br.QueryRow().Scan(&m.ID, &m.MatchedAt); err != nil {
			return fmt.Errorf("insert match for study %s: %w", m.StudyID, err)
		}
	}
	return br.Close()
}

func (r *matchRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*MatchRecord, int, error) {
	where := sq.Eq{"patient_id": patientID}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("trial_match").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := psql.Select(matchColumns...).From("trial_match").Where(where).OrderBy("rank")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	if offset > 0 {
		q = q.Offset(uint64(offset))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*MatchRecord
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *matchRepoPG) DeleteByPatient(ctx context.Context, patientID string) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM trial_match WHERE patient_id = $1`, patientID)
	return err
}
