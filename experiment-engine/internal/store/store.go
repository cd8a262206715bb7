package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fieldtofork/platform/experiment-engine/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a status-guarded write finds the
	// experiment in a state that does not permit it.
	ErrStatusConflict = errors.New("status conflict")
)

type Store interface {
	CreateExperiment(ctx context.Context, in ExperimentInput) (models.Experiment, error)
	GetExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error)
	ListExperiments(ctx context.Context, filter ListFilter) ([]models.Experiment, error)
	UpdateExperiment(ctx context.Context, exp models.Experiment) (models.Experiment, error)
	StartExperiment(ctx context.Context, id uuid.UUID) (StartResult, error)
	StopExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error)
	CompleteExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error)
	SetWinner(ctx context.Context, id uuid.UUID, winner models.Variant, promotedAt *time.Time) (models.Experiment, error)
	FindActiveExperiment(ctx context.Context, category string, at time.Time) (models.Experiment, error)

	GetAssignment(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Assignment, error)
	InsertAssignmentIfAbsent(ctx context.Context, a models.Assignment) (models.Assignment, bool, error)
	CountAssignments(ctx context.Context, experimentID uuid.UUID) ([]models.AssignmentCount, error)

	AppendOutcome(ctx context.Context, in OutcomeInput) (models.Outcome, error)
	OutcomeStats(ctx context.Context, experimentID uuid.UUID) ([]OutcomeStat, error)

	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type ExperimentInput struct {
	ID              uuid.UUID
	Name            string
	Hypothesis      string
	Category        *string
	VariantA        json.RawMessage
	VariantB        json.RawMessage
	Metric          string
	SecondaryMetric *string
	StartAt         time.Time
	EndAt           time.Time
	HarmThreshold   json.RawMessage
}

type ListFilter struct {
	Status   *models.Status
	Category *string
}

// StartResult carries the started experiment and any experiments in the same
// category that were forced to STOPPED by the start.
type StartResult struct {
	Experiment models.Experiment
	Stopped    []uuid.UUID
}

type OutcomeInput struct {
	ID           uuid.UUID
	ExperimentID uuid.UUID
	EntityID     string
	Variant      models.Variant
	Metric       string
	Value        float64
	HashVersion  string
	ObservedAt   time.Time
}

// OutcomeStat is a grouped count/sum of outcome values.
type OutcomeStat struct {
	Variant     models.Variant
	Metric      string
	HashVersion string
	Count       int
	Sum         float64
}

const experimentColumns = `id, name, hypothesis, category, variant_a, variant_b, metric, secondary_metric,
		start_at, end_at, status, harm_threshold, winner_variant, promoted_at, created_at, updated_at`

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// jsonArg passes JSON as text so lib/pq does not bytea-encode it.
func jsonArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExperiment(row rowScanner) (models.Experiment, error) {
	var (
		exp        models.Experiment
		category   sql.NullString
		secondary  sql.NullString
		variantA   []byte
		variantB   []byte
		status     string
		harm       []byte
		winner     sql.NullString
		promotedAt sql.NullTime
	)
	if err := row.Scan(
		&exp.ID,
		&exp.Name,
		&exp.Hypothesis,
		&category,
		&variantA,
		&variantB,
		&exp.Metric,
		&secondary,
		&exp.StartAt,
		&exp.EndAt,
		&status,
		&harm,
		&winner,
		&promotedAt,
		&exp.CreatedAt,
		&exp.UpdatedAt,
	); err != nil {
		return models.Experiment{}, err
	}
	exp.Status = models.Status(status)
	exp.VariantA = ensureJSON(append(json.RawMessage(nil), variantA...))
	exp.VariantB = ensureJSON(append(json.RawMessage(nil), variantB...))
	if category.Valid {
		exp.Category = &category.String
	}
	if secondary.Valid {
		exp.SecondaryMetric = &secondary.String
	}
	if len(harm) > 0 {
		exp.HarmThreshold = append(json.RawMessage(nil), harm...)
	}
	if winner.Valid {
		v := models.Variant(winner.String)
		exp.WinnerVariant = &v
	}
	if promotedAt.Valid {
		t := promotedAt.Time
		exp.PromotedAt = &t
	}
	return exp, nil
}

func (s *PGStore) CreateExperiment(ctx context.Context, in ExperimentInput) (models.Experiment, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO experiments (id, name, hypothesis, category, variant_a, variant_b, metric, secondary_metric,
			start_at, end_at, status, harm_threshold)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'STOPPED',$11)
		RETURNING ` + experimentColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID,
		in.Name,
		in.Hypothesis,
		nullString(in.Category),
		string(ensureJSON(in.VariantA)),
		string(ensureJSON(in.VariantB)),
		in.Metric,
		nullString(in.SecondaryMetric),
		in.StartAt,
		in.EndAt,
		jsonArg(in.HarmThreshold),
	)
	exp, err := scanExperiment(row)
	if err != nil {
		return models.Experiment{}, fmt.Errorf("insert experiment: %w", err)
	}
	return exp, nil
}

func (s *PGStore) GetExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE id=$1`
	exp, err := scanExperiment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Experiment{}, ErrNotFound
		}
		return models.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	return exp, nil
}

func (s *PGStore) ListExperiments(ctx context.Context, filter ListFilter) ([]models.Experiment, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		clauses = append(clauses, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.Category != nil {
		args = append(args, *filter.Category)
		clauses = append(clauses, fmt.Sprintf("category=$%d", len(args)))
	}
	query := `SELECT ` + experimentColumns + ` FROM experiments`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()
	var out []models.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	return out, nil
}

// UpdateExperiment writes every mutable field of exp, guarded on status STOPPED.
func (s *PGStore) UpdateExperiment(ctx context.Context, exp models.Experiment) (models.Experiment, error) {
	query := `
		UPDATE experiments
		SET name=$2,
		    hypothesis=$3,
		    category=$4,
		    variant_a=$5,
		    variant_b=$6,
		    metric=$7,
		    secondary_metric=$8,
		    start_at=$9,
		    end_at=$10,
		    harm_threshold=$11,
		    updated_at=NOW()
		WHERE id=$1 AND status='STOPPED'
		RETURNING ` + experimentColumns
	row := s.db.QueryRowContext(ctx, query,
		exp.ID,
		exp.Name,
		exp.Hypothesis,
		nullString(exp.Category),
		string(ensureJSON(exp.VariantA)),
		string(ensureJSON(exp.VariantB)),
		exp.Metric,
		nullString(exp.SecondaryMetric),
		exp.StartAt,
		exp.EndAt,
		jsonArg(exp.HarmThreshold),
	)
	updated, err := scanExperiment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Experiment{}, s.missOrConflict(ctx, exp.ID)
		}
		return models.Experiment{}, fmt.Errorf("update experiment: %w", err)
	}
	return updated, nil
}

// StartExperiment moves id to RUNNING and stops any other RUNNING experiment
// in its category. Starts within a category are serialized with a
// transaction-scoped advisory lock keyed on the category.
func (s *PGStore) StartExperiment(ctx context.Context, id uuid.UUID) (StartResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StartResult{}, fmt.Errorf("begin start: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var category sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT category FROM experiments WHERE id=$1`, id).Scan(&category); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StartResult{}, ErrNotFound
		}
		return StartResult{}, fmt.Errorf("read category: %w", err)
	}
	if category.Valid {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, category.String); err != nil {
			return StartResult{}, fmt.Errorf("lock category: %w", err)
		}
	}

	var (
		status string
		locked sql.NullString
	)
	if err := tx.QueryRowContext(ctx, `SELECT status, category FROM experiments WHERE id=$1 FOR UPDATE`, id).Scan(&status, &locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StartResult{}, ErrNotFound
		}
		return StartResult{}, fmt.Errorf("lock experiment: %w", err)
	}
	if locked != category {
		return StartResult{}, fmt.Errorf("%w: category changed during start", ErrStatusConflict)
	}
	if models.Status(status) != models.StatusStopped {
		return StartResult{}, fmt.Errorf("%w: experiment is %s", ErrStatusConflict, status)
	}

	var stopped []uuid.UUID
	if category.Valid {
		rows, err := tx.QueryContext(ctx, `
			UPDATE experiments SET status='STOPPED', updated_at=NOW()
			WHERE category=$1 AND status='RUNNING' AND id<>$2
			RETURNING id`, category.String, id)
		if err != nil {
			return StartResult{}, fmt.Errorf("stop category peers: %w", err)
		}
		for rows.Next() {
			var peer uuid.UUID
			if err := rows.Scan(&peer); err != nil {
				rows.Close()
				return StartResult{}, fmt.Errorf("scan stopped peer: %w", err)
			}
			stopped = append(stopped, peer)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return StartResult{}, fmt.Errorf("stop category peers: %w", err)
		}
		rows.Close()
	}

	exp, err := scanExperiment(tx.QueryRowContext(ctx,
		`UPDATE experiments SET status='RUNNING', updated_at=NOW() WHERE id=$1 RETURNING `+experimentColumns, id))
	if err != nil {
		return StartResult{}, fmt.Errorf("start experiment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return StartResult{}, fmt.Errorf("commit start: %w", err)
	}
	return StartResult{Experiment: exp, Stopped: stopped}, nil
}

func (s *PGStore) StopExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	query := `UPDATE experiments SET status='STOPPED', updated_at=NOW() WHERE id=$1 AND status='RUNNING' RETURNING ` + experimentColumns
	exp, err := scanExperiment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Experiment{}, s.missOrConflict(ctx, id)
		}
		return models.Experiment{}, fmt.Errorf("stop experiment: %w", err)
	}
	return exp, nil
}

func (s *PGStore) CompleteExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	query := `UPDATE experiments SET status='COMPLETE', updated_at=NOW() WHERE id=$1 RETURNING ` + experimentColumns
	exp, err := scanExperiment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Experiment{}, ErrNotFound
		}
		return models.Experiment{}, fmt.Errorf("complete experiment: %w", err)
	}
	return exp, nil
}

func (s *PGStore) SetWinner(ctx context.Context, id uuid.UUID, winner models.Variant, promotedAt *time.Time) (models.Experiment, error) {
	query := `
		UPDATE experiments
		SET winner_variant=$2,
		    promoted_at=COALESCE($3, promoted_at),
		    updated_at=NOW()
		WHERE id=$1
		RETURNING ` + experimentColumns
	exp, err := scanExperiment(s.db.QueryRowContext(ctx, query, id, string(winner), nullTime(promotedAt)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Experiment{}, ErrNotFound
		}
		return models.Experiment{}, fmt.Errorf("set winner: %w", err)
	}
	return exp, nil
}

func (s *PGStore) FindActiveExperiment(ctx context.Context, category string, at time.Time) (models.Experiment, error) {
	query := `
		SELECT ` + experimentColumns + `
		FROM experiments
		WHERE category=$1 AND status='RUNNING' AND start_at <= $2 AND end_at >= $2
		ORDER BY updated_at DESC
		LIMIT 1`
	exp, err := scanExperiment(s.db.QueryRowContext(ctx, query, category, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Experiment{}, ErrNotFound
		}
		return models.Experiment{}, fmt.Errorf("find active experiment: %w", err)
	}
	return exp, nil
}

func (s *PGStore) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM experiments WHERE id=$1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read experiment status: %w", err)
	}
	return fmt.Errorf("%w: experiment is %s", ErrStatusConflict, status)
}

func (s *PGStore) GetAssignment(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Assignment, error) {
	const query = `
		SELECT variant, hash_version, assigned_at
		FROM experiment_assignments
		WHERE experiment_id=$1 AND entity_id=$2
	`
	a := models.Assignment{ExperimentID: experimentID, EntityID: entityID}
	var variant string
	if err := s.db.QueryRowContext(ctx, query, experimentID, entityID).Scan(&variant, &a.HashVersion, &a.AssignedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Assignment{}, ErrNotFound
		}
		return models.Assignment{}, fmt.Errorf("get assignment: %w", err)
	}
	a.Variant = models.Variant(variant)
	return a, nil
}

// InsertAssignmentIfAbsent inserts a unless a row already exists for the pair.
// It returns the authoritative row and whether this call created it.
func (s *PGStore) InsertAssignmentIfAbsent(ctx context.Context, a models.Assignment) (models.Assignment, bool, error) {
	const query = `
		INSERT INTO experiment_assignments (experiment_id, entity_id, variant, hash_version, assigned_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (experiment_id, entity_id) DO NOTHING
		RETURNING assigned_at
	`
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, query, a.ExperimentID, a.EntityID, string(a.Variant), a.HashVersion, a.AssignedAt).Scan(&a.AssignedAt)
	if err == nil {
		return a, true, nil
	}
	if isForeignKeyViolation(err) {
		return models.Assignment{}, false, ErrNotFound
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Assignment{}, false, fmt.Errorf("insert assignment: %w", err)
	}
	existing, err := s.GetAssignment(ctx, a.ExperimentID, a.EntityID)
	if err != nil {
		return models.Assignment{}, false, err
	}
	return existing, false, nil
}

// isForeignKeyViolation reports whether err is a write referencing an
// experiment that does not exist.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation"
}

func (s *PGStore) CountAssignments(ctx context.Context, experimentID uuid.UUID) ([]models.AssignmentCount, error) {
	const query = `
		SELECT variant, hash_version, COUNT(*)
		FROM experiment_assignments
		WHERE experiment_id=$1
		GROUP BY variant, hash_version
	`
	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("count assignments: %w", err)
	}
	defer rows.Close()
	var out []models.AssignmentCount
	for rows.Next() {
		var (
			c       models.AssignmentCount
			variant string
		)
		if err := rows.Scan(&variant, &c.HashVersion, &c.Count); err != nil {
			return nil, fmt.Errorf("scan assignment count: %w", err)
		}
		c.Variant = models.Variant(variant)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendOutcome(ctx context.Context, in OutcomeInput) (models.Outcome, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.ObservedAt.IsZero() {
		in.ObservedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO experiment_outcomes (id, experiment_id, entity_id, variant, metric, value, hash_version, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	if _, err := s.db.ExecContext(ctx, query, in.ID, in.ExperimentID, in.EntityID, string(in.Variant), in.Metric, in.Value, in.HashVersion, in.ObservedAt); err != nil {
		return models.Outcome{}, fmt.Errorf("insert outcome: %w", err)
	}
	return models.Outcome{
		ID:           in.ID,
		ExperimentID: in.ExperimentID,
		EntityID:     in.EntityID,
		Variant:      in.Variant,
		Metric:       in.Metric,
		Value:        in.Value,
		HashVersion:  in.HashVersion,
		ObservedAt:   in.ObservedAt,
	}, nil
}

func (s *PGStore) OutcomeStats(ctx context.Context, experimentID uuid.UUID) ([]OutcomeStat, error) {
	const query = `
		SELECT variant, metric, hash_version, COUNT(*), COALESCE(SUM(value), 0)
		FROM experiment_outcomes
		WHERE experiment_id=$1
		GROUP BY variant, metric, hash_version
	`
	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("outcome stats: %w", err)
	}
	defer rows.Close()
	var out []OutcomeStat
	for rows.Next() {
		var (
			st      OutcomeStat
			variant string
		)
		if err := rows.Scan(&variant, &st.Metric, &st.HashVersion, &st.Count, &st.Sum); err != nil {
			return nil, fmt.Errorf("scan outcome stat: %w", err)
		}
		st.Variant = models.Variant(variant)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
