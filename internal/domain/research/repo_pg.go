package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
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

// =========== Research Study Repository ===========

type studyRepoPG struct{ pool *pgxpool.Pool }

func NewStudyRepoPG(pool *pgxpool.Pool) ResearchStudyRepository {
	return &studyRepoPG{pool: pool}
}

func (r *studyRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

var studyColumns = []string{
	"id", "fhir_id", "nct_id", "title", "protocol_number", "status", "phase", "conditions",
	"minimum_age", "maximum_age", "gender", "healthy_volunteers", "eligibility_text",
	"sponsor_name", "description", "start_date", "end_date", "version_id", "created_at", "updated_at",
}

var studyCols = strings.Join(studyColumns, ", ")

func (r *studyRepoPG) scanStudy(row pgx.Row) (*ResearchStudy, error) {
	var s ResearchStudy
	err := row.Scan(&s.ID, &s.FHIRID, &s.NCTID, &s.Title, &s.ProtocolNumber, &s.Status, &s.Phase, &s.Conditions,
		&s.MinimumAge, &s.MaximumAge, &s.Gender, &s.HealthyVolunteers, &s.EligibilityText,
		&s.SponsorName, &s.Description, &s.StartDate, &s.EndDate, &s.VersionID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *studyRepoPG) Create(ctx context.Context, s *ResearchStudy) error {
	s.ID = uuid.New()
	if s.FHIRID == "" {
		s.FHIRID = s.ID.String()
	}
	if s.Conditions == nil {
		s.Conditions = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO research_study (id, fhir_id, nct_id, title, protocol_number, status, phase, conditions,
			minimum_age, maximum_age, gender, healthy_volunteers, eligibility_text,
			sponsor_name, description, start_date, end_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING version_id, created_at, updated_at`,
		s.ID, s.FHIRID, s.NCTID, s.Title, s.ProtocolNumber, s.Status, s.Phase, s.Conditions,
		s.MinimumAge, s.MaximumAge, s.Gender, s.HealthyVolunteers, s.EligibilityText,
		s.SponsorName, s.Description, s.StartDate, s.EndDate,
	).Scan(&s.VersionID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *studyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ResearchStudy, error) {
	return r.scanStudy(r.conn(ctx).QueryRow(ctx, `SELECT `+studyCols+` FROM research_study WHERE id = $1`, id))
}

func (r *studyRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*ResearchStudy, error) {
	return r.scanStudy(r.conn(ctx).QueryRow(ctx, `SELECT `+studyCols+` FROM research_study WHERE fhir_id = $1`, fhirID))
}

func (r *studyRepoPG) Update(ctx context.Context, s *ResearchStudy) error {
	if s.Conditions == nil {
		s.Conditions = []string{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE research_study SET nct_id=$2, title=$3, status=$4, phase=$5, conditions=$6,
			minimum_age=$7, maximum_age=$8, gender=$9, healthy_volunteers=$10,
			eligibility_text=$11, sponsor_name=$12, description=$13,
			start_date=$14, end_date=$15, version_id=version_id+1, updated_at=NOW()
		WHERE id = $1
		RETURNING version_id, updated_at`,
		s.ID, s.NCTID, s.Title, s.Status, s.Phase, s.Conditions,
		s.MinimumAge, s.MaximumAge, s.Gender, s.HealthyVolunteers,
		s.EligibilityText, s.SponsorName, s.Description,
		s.StartDate, s.EndDate,
	).Scan(&s.VersionID, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *studyRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM research_study WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func applyStudyFilters(b sq.SelectBuilder, params map[string]string) sq.SelectBuilder {
	if v, ok := params["status"]; ok {
		b = b.Where(sq.Eq{"status": strings.Split(v, ",")})
	}
	if v, ok := params["title"]; ok {
		b = b.Where(sq.ILike{"title": "%" + v + "%"})
	}
	if v, ok := params["protocol"]; ok {
		b = b.Where(sq.Eq{"protocol_number": v})
	}
	if v, ok := params["nct"]; ok {
		b = b.Where(sq.Eq{"nct_id": v})
	}
	if v, ok := params["phase"]; ok {
		b = b.Where(sq.Eq{"phase": v})
	}
	if v, ok := params["condition"]; ok {
		b = b.Where(sq.Expr("EXISTS (SELECT 1 FROM unnest(conditions) c WHERE c ILIKE ?)", "%"+v+"%"))
	}
	return b
}

func (r *studyRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ResearchStudy, int, error) {
	countSQL, countArgs, err := applyStudyFilters(psql.Select("COUNT(*)").From("research_study"), params).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query, args, err := applyStudyFilters(psql.Select(studyColumns...).From("research_study"), params).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build search query: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ResearchStudy
	for rows.Next() {
		s, err := r.scanStudy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// -- Criteria --

const criterionCols = `id, study_id, direction, criterion_key, text, category, field,
	operator, value, unit, position`

func scanCriterion(row pgx.Row) (*ResearchCriterion, error) {
	var (
		c   ResearchCriterion
		raw []byte
	)
	if err := row.Scan(&c.ID, &c.StudyID, &c.Direction, &c.CriterionKey, &c.Text, &c.Category, &c.Field,
		&c.Operator, &raw, &c.Unit, &c.Position); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.Value); err != nil {
			return nil, fmt.Errorf("decode criterion %s value: %w", c.ID, err)
		}
	}
	return &c, nil
}

// ReplaceCriteria deletes the study's criteria and inserts the new set in a
// single batch, which Postgres runs as one implicit transaction.
func (r *studyRepoPG) ReplaceCriteria(ctx context.Context, studyID uuid.UUID, criteria []*ResearchCriterion) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM research_criterion WHERE study_id = $1`, studyID)
	for i, c := range criteria {
		c.ID = uuid.New()
		c.StudyID = studyID
		c.Position = i
		var value interface{}
		if c.Value != nil {
			raw, err := json.Marshal(c.Value)
			if err != nil {
				return fmt.Errorf("encode criterion %d value: %w", i, err)
			}
			value = string(raw)
		}
		batch.Queue(`
			INSERT INTO research_criterion (id, study_id, direction, criterion_key, text, category, field,
				operator, value, unit, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			c.ID, c.StudyID, c.Direction, c.CriterionKey, c.Text, c.Category, c.Field,
			c.Operator, value, c.Unit, c.Position)
	}
	return r.conn(ctx).SendBatch(ctx, batch).Close()
}

func (r *studyRepoPG) ListCriteria(ctx context.Context, studyID uuid.UUID) ([]*ResearchCriterion, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+criterionCols+` FROM research_criterion
		WHERE study_id = $1 ORDER BY direction DESC, position`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ResearchCriterion
	for rows.Next() {
		c, err := scanCriterion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// -- Sites --

const siteCols = `id, study_id, name, status, city, state, postal_code, country,
	latitude, longitude, created_at`

func scanSite(row pgx.Row) (*ResearchSite, error) {
	var s ResearchSite
	err := row.Scan(&s.ID, &s.StudyID, &s.Name, &s.Status, &s.City, &s.State, &s.PostalCode, &s.Country,
		&s.Latitude, &s.Longitude, &s.CreatedAt)
	return &s, err
}

func (r *studyRepoPG) AddSite(ctx context.Context, s *ResearchSite) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO research_site (id, study_id, name, status, city, state, postal_code, country, latitude, longitude)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at`,
		s.ID, s.StudyID, s.Name, s.Status, s.City, s.State, s.PostalCode, s.Country, s.Latitude, s.Longitude,
	).Scan(&s.CreatedAt)
}

func (r *studyRepoPG) ListSites(ctx context.Context, studyID uuid.UUID) ([]*ResearchSite, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+siteCols+` FROM research_site WHERE study_id = $1 ORDER BY name`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ResearchSite
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *studyRepoPG) DeleteSite(ctx context.Context, studyID, siteID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM research_site WHERE id = $1 AND study_id = $2`, siteID, studyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCandidates loads the matching studies, then their criteria and sites
// in one round trip.
func (r *studyRepoPG) ListCandidates(ctx context.Context, f CandidateFilter) ([]*ResearchStudy, error) {
	q := psql.Select(studyColumns...).From("research_study").OrderBy("created_at", "id")
	if len(f.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": f.Statuses})
	}
	if len(f.IDs) > 0 {
		q = q.Where(sq.Expr("id = ANY(?)", f.IDs))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build candidate query: %w", err)
	}

	conn := r.conn(ctx)
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var (
		studies []*ResearchStudy
		ids     []uuid.UUID
	)
	byID := map[uuid.UUID]*ResearchStudy{}
	for rows.Next() {
		s, err := r.scanStudy(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		studies = append(studies, s)
		ids = append(ids, s.ID)
		byID[s.ID] = s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(studies) == 0 {
		return studies, nil
	}

	batch := &pgx.Batch{}
	batch.Queue(`SELECT `+criterionCols+` FROM research_criterion WHERE study_id = ANY($1) ORDER BY study_id, position`, ids)
	batch.Queue(`SELECT `+siteCols+` FROM research_site WHERE study_id = ANY($1) ORDER BY study_id, name`, ids)
	br := conn.SendBatch(ctx, batch)
	defer br.Close()

	critRows, err := br.Query()
	if err != nil {
		return nil, fmt.Errorf("load criteria: %w", err)
	}
	for critRows.Next() {
		c, err := scanCriterion(critRows)
		if err != nil {
			critRows.Close()
			return nil, err
		}
		if s := byID[c.StudyID]; s != nil {
			s.Criteria = append(s.Criteria, c)
		}
	}
	critRows.Close()
	if err := critRows.Err(); err != nil {
		return nil, err
	}

	siteRows, err := br.Query()
	if err != nil {
		return nil, fmt.Errorf("load sites: %w", err)
	}
	defer siteRows.Close()
	for siteRows.Next() {
		site, err := scanSite(siteRows)
		if err != nil {
			return nil, err
		}
		if s := byID[site.StudyID]; s != nil {
			s.Sites = append(s.Sites, site)
		}
	}
	return studies, siteRows.Err()
}

// =========== Enrollment Repository ===========

type enrollmentRepoPG struct{ pool *pgxpool.Pool }

func NewEnrollmentRepoPG(pool *pgxpool.Pool) EnrollmentRepository {
	return &enrollmentRepoPG{pool: pool}
}

func (r *enrollmentRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const enrollCols = `id, study_id, patient_id, status, screening_date, enrolled_date,
	withdrawal_date, withdrawal_reason, subject_number, referred_by,
	match_score, eligibility_status, note, created_at, updated_at`

func (r *enrollmentRepoPG) scanEnrollment(row pgx.Row) (*ResearchEnrollment, error) {
	var e ResearchEnrollment
	err := row.Scan(&e.ID, &e.StudyID, &e.PatientID, &e.Status, &e.ScreeningDate, &e.EnrolledDate,
		&e.WithdrawalDate, &e.WithdrawalReason, &e.SubjectNumber, &e.ReferredBy,
		&e.MatchScore, &e.EligibilityStatus, &e.Note, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("research enrollment not found")
	}
	return &e, err
}

func (r *enrollmentRepoPG) Create(ctx context.Context, e *ResearchEnrollment) error {
	e.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO research_enrollment (id, study_id, patient_id, status, screening_date, enrolled_date,
			subject_number, referred_by, match_score, eligibility_status, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		e.ID, e.StudyID, e.PatientID, e.Status, e.ScreeningDate, e.EnrolledDate,
		e.SubjectNumber, e.ReferredBy, e.MatchScore, e.EligibilityStatus, e.Note,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *enrollmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ResearchEnrollment, error) {
	return r.scanEnrollment(r.conn(ctx).QueryRow(ctx, `SELECT `+enrollCols+` FROM research_enrollment WHERE id = $1`, id))
}

func (r *enrollmentRepoPG) Update(ctx context.Context, e *ResearchEnrollment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE research_enrollment SET status=$2, screening_date=$3, enrolled_date=$4,
			withdrawal_date=$5, withdrawal_reason=$6, subject_number=$7, note=$8, updated_at=NOW()
		WHERE id = $1`,
		e.ID, e.Status, e.ScreeningDate, e.EnrolledDate,
		e.WithdrawalDate, e.WithdrawalReason, e.SubjectNumber, e.Note)
	return err
}

func (r *enrollmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM research_enrollment WHERE id = $1`, id)
	return err
}

func (r *enrollmentRepoPG) list(ctx context.Context, where sq.Sqlizer, limit, offset int) ([]*ResearchEnrollment, int, error) {
	countSQL, countArgs, err := psql.Select("COUNT(*)").From("research_enrollment").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query, args, err := psql.Select(enrollCols).From("research_enrollment").Where(where).
		OrderBy("created_at DESC").Limit(uint64(limit)).Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ResearchEnrollment
	for rows.Next() {
		e, err := r.scanEnrollment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *enrollmentRepoPG) ListByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*ResearchEnrollment, int, error) {
	return r.list(ctx, sq.Expr("study_id = ?", studyID), limit, offset)
}

func (r *enrollmentRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*ResearchEnrollment, int, error) {
	return r.list(ctx, sq.Eq{"patient_id": patientID}, limit, offset)
}
