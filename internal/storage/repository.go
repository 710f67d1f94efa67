package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"dex-sonar/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO alerts (
        id,
        pool_id,
        pool_name,
        rule_id,
        kind,
        window_start,
        window_end,
        drop_pct,
        recovery_pct,
        volume,
        significant,
        stale_metrics,
        payload,
        generated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        id::text,
        pool_id,
        pool_name,
        rule_id,
        kind,
        window_start,
        window_end,
        drop_pct::text,
        recovery_pct::text,
        volume::text,
        significant,
        stale_metrics,
        payload,
        generated_at,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	listPoolAlertsSQL = `SELECT
        id::text,
        pool_id,
        pool_name,
        rule_id,
        kind,
        window_start,
        window_end,
        drop_pct::text,
        recovery_pct::text,
        volume::text,
        significant,
        stale_metrics,
        payload,
        generated_at,
        created_at
    FROM alerts
    WHERE pool_id = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	RecordAlert(ctx context.Context, alert domain.Alert) error
	ListRecentAlerts(ctx context.Context, poolID string, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the Postgres-backed alert audit log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a session-level advisory lock and returns a release func.
// The lock lives as long as the acquired connection, so callers hold it for the process lifetime.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the lock also goes away with the session if this fails
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordAlert appends a delivered alert. Recording the same alert id twice is a no-op.
func (s *Store) RecordAlert(ctx context.Context, alert domain.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rec, err := recordFromAlert(alert)
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertAlertSQL,
		rec.ID,
		rec.PoolID,
		rec.PoolName,
		rec.RuleID,
		rec.Kind,
		rec.WindowStart,
		rec.WindowEnd,
		rec.DropPct.String(),
		rec.RecoveryPct.String(),
		rec.Volume.String(),
		rec.Significant,
		rec.StaleMetrics,
		[]byte(rec.Payload),
		rec.GeneratedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert alert %s: %w", rec.ID, execErr)
	}
	return nil
}

// ListRecentAlerts lists the most recent alerts, optionally for one pool only.
func (s *Store) ListRecentAlerts(ctx context.Context, poolID string, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	if poolID == "" {
		rows, err = pool.Query(ctx, listRecentAlertsSQL, limit)
	} else {
		rows, err = pool.Query(ctx, listPoolAlertsSQL, poolID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func recordFromAlert(alert domain.Alert) (AlertRecord, error) {
	if alert.ID == "" {
		return AlertRecord{}, errors.New("alert id is required")
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("marshal alert payload: %w", err)
	}
	m := alert.Match
	return AlertRecord{
		ID:           alert.ID,
		PoolID:       m.PoolID,
		PoolName:     alert.Pool.Name(),
		RuleID:       m.RuleID,
		Kind:         m.Kind,
		WindowStart:  m.WindowStart.UTC(),
		WindowEnd:    m.WindowEnd.UTC(),
		DropPct:      m.DropPct,
		RecoveryPct:  m.RecoveryPct,
		Volume:       m.Volume,
		Significant:  m.Significant,
		StaleMetrics: alert.StaleMetrics,
		Payload:      payload,
		GeneratedAt:  alert.GeneratedAt.UTC(),
	}, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec                             AlertRecord
		dropStr, recoveryStr, volumeStr string
		payload                         []byte
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.PoolID,
		&rec.PoolName,
		&rec.RuleID,
		&rec.Kind,
		&rec.WindowStart,
		&rec.WindowEnd,
		&dropStr,
		&recoveryStr,
		&volumeStr,
		&rec.Significant,
		&rec.StaleMetrics,
		&payload,
		&rec.GeneratedAt,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var err error
	if rec.DropPct, err = decimal.NewFromString(dropStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse drop pct: %w", err)
	}
	if rec.RecoveryPct, err = decimal.NewFromString(recoveryStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse recovery pct: %w", err)
	}
	if rec.Volume, err = decimal.NewFromString(volumeStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse volume: %w", err)
	}
	rec.Payload = payload
	return rec, nil
}
