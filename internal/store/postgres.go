package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"detection-engine/internal/rule"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresInstanceStore keeps rule instances in the rule_instances table.
type PostgresInstanceStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresInstanceStore connects to dsn and pings the database.
func NewPostgresInstanceStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresInstanceStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, WrapConnectionError("Ping", err)
	}
	return &PostgresInstanceStore{pool: pool, logger: logger}, nil
}

// Close closes the pool.
func (s *PostgresInstanceStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the pool can reach the database.
func (s *PostgresInstanceStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded Postgres schema. Statements are idempotent.
func (s *PostgresInstanceStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(dialectPostgres)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		s.logger.Info("applied migration", "version", m.Version, "name", m.Name)
	}
	return nil
}

const instanceColumns = `id, type_id, name, enabled, schedule, tags, actions, params, state, health,
	last_run_at, created_by, updated_by, created_at, updated_at`

// Get returns the instance with id.
func (s *PostgresInstanceStore) Get(ctx context.Context, id string) (*rule.Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM rule_instances WHERE id=$1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, WrapNotFoundError("Get", "rule_instances", id)
	}
	if err != nil {
		return nil, WrapQueryError("Get", "rule_instances", err)
	}
	return inst, nil
}

// List returns every instance ordered by id.
func (s *PostgresInstanceStore) List(ctx context.Context) ([]*rule.Instance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instanceColumns+` FROM rule_instances ORDER BY id`)
	if err != nil {
		return nil, WrapQueryError("List", "rule_instances", err)
	}
	defer rows.Close()

	var out []*rule.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, WrapQueryError("List", "rule_instances", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("List", "rule_instances", err)
	}
	return out, nil
}

// Upsert inserts or replaces the definition fields of an instance. Run
// bookkeeping columns are left alone on update.
func (s *PostgresInstanceStore) Upsert(ctx context.Context, inst *rule.Instance) error {
	tags, actions, params, err := encodeDefinition(inst)
	if err != nil {
		return invalidData("Upsert", "rule_instances", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rule_instances (id, type_id, name, enabled, schedule, tags, actions, params, created_by, updated_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		ON CONFLICT (id) DO UPDATE
		SET type_id=$2, name=$3, enabled=$4, schedule=$5, tags=$6, actions=$7, params=$8, updated_by=$10, updated_at=now()`,
		inst.ID, inst.TypeID, inst.Name, inst.Enabled, inst.Schedule, tags, actions, params, inst.CreatedBy, inst.UpdatedBy,
	)
	if err != nil {
		return WrapQueryError("Upsert", "rule_instances", err)
	}
	return nil
}

// SaveRun records the outcome of a run. A nil State leaves the stored state
// unchanged.
func (s *PostgresInstanceStore) SaveRun(ctx context.Context, id string, rec rule.RunRecord) error {
	health, err := json.Marshal(rec.Health)
	if err != nil {
		return invalidData("SaveRun", "rule_instances", err)
	}

	query := `UPDATE rule_instances SET last_run_at=$1, health=$2 WHERE id=$3`
	args := []any{rec.RanAt, health, id}
	if rec.State != nil {
		state, err := json.Marshal(rec.State)
		if err != nil {
			return invalidData("SaveRun", "rule_instances", err)
		}
		query = `UPDATE rule_instances SET last_run_at=$1, health=$2, state=$4 WHERE id=$3`
		args = append(args, state)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return WrapQueryError("SaveRun", "rule_instances", err)
	}
	if tag.RowsAffected() == 0 {
		return WrapNotFoundError("SaveRun", "rule_instances", id)
	}
	return nil
}

func scanInstance(row pgx.Row) (*rule.Instance, error) {
	var (
		inst                                 rule.Instance
		tags, actions, params, state, health []byte
	)
	if err := row.Scan(&inst.ID, &inst.TypeID, &inst.Name, &inst.Enabled, &inst.Schedule,
		&tags, &actions, &params, &state, &health,
		&inst.LastRunAt, &inst.CreatedBy, &inst.UpdatedBy, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSONColumns(&inst, tags, actions, params, state, health); err != nil {
		return nil, err
	}
	return &inst, nil
}

func decodeJSONColumns(inst *rule.Instance, tags, actions, params, state, health []byte) error {
	columns := []struct {
		name string
		data []byte
		dst  any
	}{
		{"tags", tags, &inst.Tags},
		{"actions", actions, &inst.Actions},
		{"params", params, &inst.Params},
		{"state", state, &inst.State},
		{"health", health, &inst.Health},
	}
	for _, c := range columns {
		if len(c.data) == 0 {
			continue
		}
		if err := json.Unmarshal(c.data, c.dst); err != nil {
			return fmt.Errorf("decode %s: %w", c.name, err)
		}
	}
	return nil
}

func encodeDefinition(inst *rule.Instance) (tags, actions, params []byte, err error) {
	t := inst.Tags
	if t == nil {
		t = []string{}
	}
	a := inst.Actions
	if a == nil {
		a = []rule.Action{}
	}
	p := inst.Params
	if p == nil {
		p = map[string]any{}
	}
	if tags, err = json.Marshal(t); err != nil {
		return nil, nil, nil, err
	}
	if actions, err = json.Marshal(a); err != nil {
		return nil, nil, nil, err
	}
	if params, err = json.Marshal(p); err != nil {
		return nil, nil, nil, err
	}
	return tags, actions, params, nil
}
