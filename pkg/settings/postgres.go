package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/iani/tryon/pkg/logging"
)

// settingsDB is the row form of CalibrationSettings.
type settingsDB struct {
	ProductID    string         `db:"product_id"`
	TryOnEnabled bool           `db:"try_on_enabled"`
	TryOnType    sql.NullString `db:"try_on_type"`
	TryOnOffsetY float64        `db:"try_on_offset_y"`
	TryOnScale   float64        `db:"try_on_scale"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func toRow(productID string, cs CalibrationSettings, now time.Time) settingsDB {
	row := settingsDB{
		ProductID:    productID,
		TryOnEnabled: cs.TryOnEnabled,
		TryOnOffsetY: cs.TryOnOffsetY,
		TryOnScale:   cs.TryOnScale,
		UpdatedAt:    now,
	}
	if cs.TryOnType != nil {
		row.TryOnType = sql.NullString{String: string(*cs.TryOnType), Valid: true}
	}
	return row
}

func (r settingsDB) settings() CalibrationSettings {
	cs := CalibrationSettings{
		TryOnEnabled: r.TryOnEnabled,
		TryOnOffsetY: r.TryOnOffsetY,
		TryOnScale:   r.TryOnScale,
	}
	if r.TryOnType.Valid {
		cs.TryOnType = TypePtr(TryOnType(r.TryOnType.String))
	}
	return cs
}

// PostgresRepository stores settings in a Postgres table.
type PostgresRepository struct {
	db  *sqlx.DB
	q   sqlx.ExtContext
	log *logrus.Entry
}

// OpenPostgres connects to dsn and returns a repository over it.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRepository, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	return NewPostgresRepository(db), nil
}

// NewPostgresRepository creates a repository over an open database.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{
		db:  db,
		q:   db,
		log: logging.Component("settings"),
	}
}

// Migrate creates the settings table if needed.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.q.ExecContext(ctx, querySchema); err != nil {
		return fmt.Errorf("failed to create settings table: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// bind expands a named query for Postgres placeholders.
func bind(query string, arg interface{}) (string, []interface{}, error) {
	q, args, err := sqlx.Named(query, arg)
	if err != nil {
		return "", nil, err
	}
	return sqlx.Rebind(sqlx.DOLLAR, q), args, nil
}

// mapError translates constraint violations into settings errors.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", ErrOutOfRange, pqErr.Constraint)
		}
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, productID string) (CalibrationSettings, error) {
	query, args, err := bind(queryGetSettings, map[string]interface{}{"product_id": productID})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"product": productID,
			"error":   err.Error(),
		}).Error("Failed to build SQL query for Get")
		return CalibrationSettings{}, err
	}

	var row settingsDB
	if err := r.q.QueryRowxContext(ctx, query, args...).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CalibrationSettings{}, ErrNotFound
		}
		r.log.WithFields(logrus.Fields{
			"product": productID,
			"error":   err.Error(),
		}).Error("Database error when reading settings")
		return CalibrationSettings{}, err
	}
	return row.settings(), nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, productID string, cs CalibrationSettings) error {
	query, args, err := bind(queryUpsertSettings, toRow(productID, cs, time.Now()))
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"product": productID,
			"error":   err.Error(),
		}).Error("Failed to build SQL query for Upsert")
		return err
	}

	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"product": productID,
			"error":   err.Error(),
		}).Error("Database error when saving settings")
		return mapError(err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, productID string) error {
	query, args, err := bind(queryDeleteSettings, map[string]interface{}{"product_id": productID})
	if err != nil {
		return err
	}

	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := sqlx.SelectContext(ctx, r.q, &ids, queryListProducts); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

var _ Repository = (*PostgresRepository)(nil)
