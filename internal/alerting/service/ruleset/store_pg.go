package ruleset

import (
	"context"
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/qiniu/riskalert/internal/alerting/model"

	adb "github.com/qiniu/riskalert/internal/alerting/database"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS risk_alert_rules (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	enabled              BOOLEAN NOT NULL DEFAULT TRUE,
	priority             INTEGER NOT NULL,
	condition_logic      TEXT NOT NULL,
	conditions           JSONB NOT NULL,
	actions              JSONB NOT NULL,
	cooldown_period      INTERVAL NOT NULL DEFAULT '0',
	max_frequency        INTEGER NOT NULL,
	suppression_window   INTERVAL NOT NULL DEFAULT '0',
	escalation_threshold INTEGER NOT NULL DEFAULT 0,
	aggregation_window   INTERVAL NOT NULL DEFAULT '0',
	tags                 JSONB NOT NULL DEFAULT '[]',
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
)`

const upsertRuleSQL = `
	INSERT INTO risk_alert_rules(id, name, description, enabled, priority, condition_logic, conditions, actions,
		cooldown_period, max_frequency, suppression_window, escalation_threshold, aggregation_window, tags, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12, $13, $14::jsonb, $15, $16)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		enabled = EXCLUDED.enabled,
		priority = EXCLUDED.priority,
		condition_logic = EXCLUDED.condition_logic,
		conditions = EXCLUDED.conditions,
		actions = EXCLUDED.actions,
		cooldown_period = EXCLUDED.cooldown_period,
		max_frequency = EXCLUDED.max_frequency,
		suppression_window = EXCLUDED.suppression_window,
		escalation_threshold = EXCLUDED.escalation_threshold,
		aggregation_window = EXCLUDED.aggregation_window,
		tags = EXCLUDED.tags,
		updated_at = EXCLUDED.updated_at
	`

const selectRulesSQL = `
	SELECT id, name, description, enabled, priority, condition_logic, conditions, actions,
		cooldown_period::text, max_frequency, suppression_window::text, escalation_threshold,
		aggregation_window::text, tags, created_at, updated_at
	FROM risk_alert_rules
	ORDER BY priority DESC, id ASC
	`

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PgStore is a PostgreSQL-backed Store using the alerting database wrapper.
type PgStore struct {
	DB *adb.Database
	q  execQuerier
	tx bool
}

func NewPgStore(db *adb.Database) *PgStore { return &PgStore{DB: db, q: db} }

// EnsureSchema creates the rules table when missing.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction. Nested calls reuse the outer transaction.
func (s *PgStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.tx {
		return fn(s)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PgStore{DB: s.DB, q: tx, tx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PgStore) SaveRule(ctx context.Context, r *model.Rule) error {
	conds, err := marshalJSON(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := marshalJSON(r.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := marshalJSON(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.q.ExecContext(ctx, upsertRuleSQL,
		r.ID, r.Name, r.Description, r.Enabled, r.Priority, string(r.ConditionLogic),
		string(conds), string(actions),
		durationToPgInterval(r.CooldownPeriod), r.MaxFrequency, durationToPgInterval(r.SuppressionWindow),
		r.EscalationThreshold, durationToPgInterval(r.AggregationWindow),
		string(tagsJSON), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *PgStore) DeleteRule(ctx context.Context, id string) error {
	const q = `DELETE FROM risk_alert_rules WHERE id=$1`
	if _, err := s.q.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return nil
}

func (s *PgStore) LoadRules(ctx context.Context) ([]*model.Rule, error) {
	rows, err := s.q.QueryContext(ctx, selectRulesSQL)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	var res []*model.Rule
	for rows.Next() {
		var (
			r                             model.Rule
			logic                         string
			condsRaw, actionsRaw, tagsRaw []byte
			cooldown, suppress, aggregate string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Enabled, &r.Priority, &logic,
			&condsRaw, &actionsRaw, &cooldown, &r.MaxFrequency, &suppress, &r.EscalationThreshold,
			&aggregate, &tagsRaw, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.ConditionLogic = model.Logic(logic)
		if err := json.Unmarshal(condsRaw, &r.Conditions); err != nil {
			return nil, fmt.Errorf("rule %s conditions: %w", r.ID, err)
		}
		if err := json.Unmarshal(actionsRaw, &r.Actions); err != nil {
			return nil, fmt.Errorf("rule %s actions: %w", r.ID, err)
		}
		if err := json.Unmarshal(tagsRaw, &r.Tags); err != nil {
			return nil, fmt.Errorf("rule %s tags: %w", r.ID, err)
		}
		if r.CooldownPeriod, err = parsePgInterval(cooldown); err != nil {
			return nil, fmt.Errorf("rule %s cooldown_period: %w", r.ID, err)
		}
		if r.SuppressionWindow, err = parsePgInterval(suppress); err != nil {
			return nil, fmt.Errorf("rule %s suppression_window: %w", r.ID, err)
		}
		if r.AggregationWindow, err = parsePgInterval(aggregate); err != nil {
			return nil, fmt.Errorf("rule %s aggregation_window: %w", r.ID, err)
		}
		res = append(res, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return res, nil
}

// parsePgInterval decodes the text form of an INTERVAL column.
// marshalJSON encodes v without HTML escaping so operators such as ">" stay
// readable in the JSONB columns.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func parsePgInterval(s string) (time.Duration, error) {
	var iv pgtype.Interval
	if err := iv.Scan(s); err != nil {
		return 0, err
	}
	return pgIntervalToDuration(iv)
}

func durationToPgInterval(d time.Duration) pgtype.Interval {
	day := 24 * time.Hour
	return pgtype.Interval{
		Microseconds: int64(d%day) / int64(time.Microsecond),
		Days:         int32(d / day),
		Valid:        true,
	}
}

func pgIntervalToDuration(iv pgtype.Interval) (time.Duration, error) {
	if !iv.Valid {
		return 0, errors.New("interval is null")
	}
	if iv.Months != 0 {
		return 0, fmt.Errorf("interval with months is not a fixed duration: %d months", iv.Months)
	}
	return time.Duration(iv.Days)*24*time.Hour + time.Duration(iv.Microseconds)*time.Microsecond, nil
}
