package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mesa-systems/mesa-stack/common/database"
	"github.com/mesa-systems/mesa-stack/common/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string, maxConns int32) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

// lock takes a transaction-scoped advisory lock on key.
func lock(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	return nil
}

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

const sessionColumns = `id, restaurant_id, status, opening_amount, closing_amount, opened_by, closed_by, opened_at, closed_at, version`

func scanSession(row pgx.Row) (*models.CashSession, error) {
	var s models.CashSession
	err := row.Scan(&s.ID, &s.RestaurantID, &s.Status, &s.OpeningAmount, &s.ClosingAmount,
		&s.OpenedBy, &s.ClosedBy, &s.OpenedAt, &s.ClosedAt, &s.Version)
	if err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

func (r *PostgresRepository) CurrentCashSession(ctx context.Context, restaurantID string) (*models.CashSession, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT ` + sessionColumns + `
		FROM cash_sessions
		WHERE restaurant_id = $1
		ORDER BY (status = 'open') DESC, opened_at DESC
		LIMIT 1
	`
	s, err := scanSession(r.pool.QueryRow(ctx, query, restaurantID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get current cash session: %w", err)
	}
	return s, err
}

func (r *PostgresRepository) GetCashSession(ctx context.Context, restaurantID, id string) (*models.CashSession, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + sessionColumns + ` FROM cash_sessions WHERE id = $1 AND restaurant_id = $2`
	return scanSession(r.pool.QueryRow(ctx, query, id, restaurantID))
}

func (r *PostgresRepository) OpenCashSession(ctx context.Context, s *models.CashSession, check OpenSessionCheck) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lock(ctx, tx, "cash:"+s.RestaurantID); err != nil {
			return err
		}
		open, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM cash_sessions WHERE restaurant_id = $1 AND status = 'open'`,
			s.RestaurantID))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to read open cash session: %w", err)
		}
		if check != nil {
			if err := check(open); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO cash_sessions (id, restaurant_id, status, opening_amount, opened_by, opened_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, 1)
		`
		if _, err := tx.Exec(ctx, query, s.ID, s.RestaurantID, s.Status, s.OpeningAmount, s.OpenedBy, s.OpenedAt); err != nil {
			return fmt.Errorf("failed to open cash session: %w", mapError(err))
		}
		s.Version = 1
		return nil
	})
}

func (r *PostgresRepository) UpdateCashSession(ctx context.Context, restaurantID, id string, update func(*models.CashSession) error) (*models.CashSession, error) {
	var out *models.CashSession
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 AND restaurant_id = $2 FOR UPDATE`,
			id, restaurantID))
		if err != nil {
			return err
		}
		if err := update(current); err != nil {
			return err
		}

		query := `
			UPDATE cash_sessions
			SET status = $3, closing_amount = $4, closed_by = $5, closed_at = $6, version = version + 1
			WHERE id = $1 AND restaurant_id = $2
			RETURNING version
		`
		err = tx.QueryRow(ctx, query, id, restaurantID,
			current.Status, current.ClosingAmount, current.ClosedBy, current.ClosedAt,
		).Scan(&current.Version)
		if err != nil {
			return fmt.Errorf("failed to update cash session: %w", mapError(err))
		}
		current.ID, current.RestaurantID = id, restaurantID
		out = current
		return nil
	})
	return out, err
}

func (r *PostgresRepository) ListCashMovements(ctx context.Context, restaurantID, sessionID string) ([]models.CashMovement, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT id, restaurant_id, session_id, type, amount, description, created_by, created_at, version
		FROM cash_movements
		WHERE restaurant_id = $1 AND session_id = $2
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, restaurantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cash movements: %w", err)
	}
	defer rows.Close()

	out := []models.CashMovement{}
	for rows.Next() {
		var m models.CashMovement
		if err := rows.Scan(&m.ID, &m.RestaurantID, &m.SessionID, &m.Type, &m.Amount,
			&m.Description, &m.CreatedBy, &m.CreatedAt, &m.Version); err != nil {
			return nil, fmt.Errorf("failed to scan cash movement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) AddCashMovement(ctx context.Context, m *models.CashMovement, check MovementCheck) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		// FOR SHARE holds off a concurrent close until the movement commits
		session, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 AND restaurant_id = $2 FOR SHARE`,
			m.SessionID, m.RestaurantID))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to read cash session: %w", err)
		}
		if check != nil {
			if err := check(session); err != nil {
				return err
			}
		}
		if session == nil {
			return ErrNotFound
		}

		query := `
			INSERT INTO cash_movements (id, restaurant_id, session_id, type, amount, description, created_by, created_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		`
		if _, err := tx.Exec(ctx, query, m.ID, m.RestaurantID, m.SessionID, m.Type, m.Amount,
			m.Description, m.CreatedBy, m.CreatedAt); err != nil {
			return fmt.Errorf("failed to add cash movement: %w", mapError(err))
		}
		m.Version = 1
		return nil
	})
}

const reservationColumns = `id, restaurant_id, table_id, customer_name, customer_phone, party_size, starts_at, ends_at, status, notes, created_at, version`

func scanReservation(row pgx.Row) (*models.Reservation, error) {
	var res models.Reservation
	err := row.Scan(&res.ID, &res.RestaurantID, &res.TableID, &res.CustomerName, &res.CustomerPhone,
		&res.PartySize, &res.StartsAt, &res.EndsAt, &res.Status, &res.Notes, &res.CreatedAt, &res.Version)
	if err != nil {
		return nil, mapError(err)
	}
	return &res, nil
}

func collectReservations(rows pgx.Rows) ([]models.Reservation, error) {
	defer rows.Close()
	out := []models.Reservation{}
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListReservations(ctx context.Context, restaurantID string, from, to time.Time) ([]models.Reservation, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE restaurant_id = $1
		  AND ($2::timestamptz IS NULL OR starts_at >= $2)
		  AND ($3::timestamptz IS NULL OR starts_at < $3)
		ORDER BY starts_at
	`
	rows, err := r.pool.Query(ctx, query, restaurantID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return collectReservations(rows)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *PostgresRepository) GetReservation(ctx context.Context, restaurantID, id string) (*models.Reservation, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1 AND restaurant_id = $2`
	return scanReservation(r.pool.QueryRow(ctx, query, id, restaurantID))
}

// overlapping loads the blocking reservations clashing with candidate under a
// per-table advisory lock.
func overlapping(ctx context.Context, tx pgx.Tx, candidate models.Reservation) ([]models.Reservation, error) {
	if err := lock(ctx, tx, "table:"+candidate.RestaurantID+":"+candidate.TableID); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE restaurant_id = $1 AND table_id = $2 AND id <> $3
		  AND status IN ('pending', 'confirmed')
		  AND starts_at < $5 AND $4 < ends_at
	`
	rows, err := tx.Query(ctx, query, candidate.RestaurantID, candidate.TableID, candidate.ID,
		candidate.StartsAt, candidate.EndsAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping reservations: %w", err)
	}
	return collectReservations(rows)
}

func (r *PostgresRepository) CreateReservation(ctx context.Context, res *models.Reservation, check ReservationCheck) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if check != nil {
			existing, err := overlapping(ctx, tx, *res)
			if err != nil {
				return err
			}
			if err := check(existing); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO reservations (` + reservationColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		`
		if _, err := tx.Exec(ctx, query, res.ID, res.RestaurantID, res.TableID, res.CustomerName,
			res.CustomerPhone, res.PartySize, res.StartsAt, res.EndsAt, res.Status, res.Notes, res.CreatedAt); err != nil {
			return fmt.Errorf("failed to create reservation: %w", mapError(err))
		}
		res.Version = 1
		return nil
	})
}

func (r *PostgresRepository) UpdateReservation(ctx context.Context, restaurantID, id string, update func(*models.Reservation) error, check ReservationCheck) (*models.Reservation, error) {
	var out *models.Reservation
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanReservation(tx.QueryRow(ctx,
			`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 AND restaurant_id = $2 FOR UPDATE`,
			id, restaurantID))
		if err != nil {
			return err
		}
		if err := update(current); err != nil {
			return err
		}
		current.ID, current.RestaurantID = id, restaurantID
		if check != nil {
			existing, err := overlapping(ctx, tx, *current)
			if err != nil {
				return err
			}
			if err := check(existing); err != nil {
				return err
			}
		}

		query := `
			UPDATE reservations
			SET table_id = $3, customer_name = $4, customer_phone = $5, party_size = $6,
			    starts_at = $7, ends_at = $8, status = $9, notes = $10, version = version + 1
			WHERE id = $1 AND restaurant_id = $2
			RETURNING version
		`
		err = tx.QueryRow(ctx, query, id, restaurantID, current.TableID, current.CustomerName,
			current.CustomerPhone, current.PartySize, current.StartsAt, current.EndsAt,
			current.Status, current.Notes,
		).Scan(&current.Version)
		if err != nil {
			return fmt.Errorf("failed to update reservation: %w", mapError(err))
		}
		out = current
		return nil
	})
	return out, err
}

func (r *PostgresRepository) DeleteReservation(ctx context.Context, restaurantID, id string) (*models.Reservation, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `DELETE FROM reservations WHERE id = $1 AND restaurant_id = $2 RETURNING ` + reservationColumns
	res, err := scanReservation(r.pool.QueryRow(ctx, query, id, restaurantID))
	if err != nil {
		return nil, err
	}
	res.Version++
	return res, nil
}

const orderColumns = `id, restaurant_id, table_id, items, total, status, notes, created_at, updated_at, version`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o     models.Order
		items []byte
	)
	err := row.Scan(&o.ID, &o.RestaurantID, &o.TableID, &items, &o.Total, &o.Status,
		&o.Notes, &o.CreatedAt, &o.UpdatedAt, &o.Version)
	if err != nil {
		return nil, mapError(err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("failed to decode order items: %w", err)
	}
	return &o, nil
}

func (r *PostgresRepository) ListOrders(ctx context.Context, restaurantID string) ([]models.Order, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE restaurant_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	out := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetOrder(ctx context.Context, restaurantID, id string) (*models.Order, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND restaurant_id = $2`
	return scanOrder(r.pool.QueryRow(ctx, query, id, restaurantID))
}

func (r *PostgresRepository) CreateOrder(ctx context.Context, o *models.Order) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}
	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
	`
	if _, err := r.pool.Exec(ctx, query, o.ID, o.RestaurantID, o.TableID, items, o.Total,
		o.Status, o.Notes, o.CreatedAt, o.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create order: %w", mapError(err))
	}
	o.Version = 1
	return nil
}

func (r *PostgresRepository) UpdateOrder(ctx context.Context, restaurantID, id string, update func(*models.Order) error) (*models.Order, error) {
	var out *models.Order
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND restaurant_id = $2 FOR UPDATE`,
			id, restaurantID))
		if err != nil {
			return err
		}
		if err := update(current); err != nil {
			return err
		}
		items, err := json.Marshal(current.Items)
		if err != nil {
			return fmt.Errorf("failed to encode order items: %w", err)
		}

		query := `
			UPDATE orders
			SET items = $3, total = $4, status = $5, notes = $6, updated_at = $7, version = version + 1
			WHERE id = $1 AND restaurant_id = $2
			RETURNING version
		`
		err = tx.QueryRow(ctx, query, id, restaurantID, items, current.Total, current.Status,
			current.Notes, current.UpdatedAt,
		).Scan(&current.Version)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", mapError(err))
		}
		current.ID, current.RestaurantID = id, restaurantID
		out = current
		return nil
	})
	return out, err
}
