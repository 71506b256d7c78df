package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/amirphl/bracket-trader/internal/db/conf"
	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/order"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// Default is the Postgres backed Storage.
type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, fmt.Errorf("db: nil connection")
	}
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

func (p *Default) SaveOrder(ctx context.Context, groupID string, o order.Order) error {
	updated := o.LastSeen
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, group_id, role, symbol, side, kind, quantity, price, trigger_price, status, filled_qty, avg_price, seq, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (order_id) DO UPDATE SET
			status=EXCLUDED.status, filled_qty=EXCLUDED.filled_qty, avg_price=EXCLUDED.avg_price,
			seq=EXCLUDED.seq, updated_at=EXCLUDED.updated_at`,
			o.ID, groupID, o.Role, o.Symbol, o.Side, o.Kind, o.Quantity, o.Price, o.TriggerPrice,
			o.Status, o.FilledQty, o.AvgPrice, int64(o.Seq), o.CreatedAt, updated)
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.ID, err)
		}
		return nil
	})
}

const orderColumns = `order_id, group_id, role, symbol, side, kind, quantity, price, trigger_price, status, filled_qty, avg_price, seq, created_at, updated_at`

func scanOrder(rows *sql.Rows) (OrderRecord, error) {
	var r OrderRecord
	var seq int64
	err := rows.Scan(&r.ID, &r.GroupID, &r.Role, &r.Symbol, &r.Side, &r.Kind, &r.Quantity, &r.Price, &r.TriggerPrice,
		&r.Status, &r.FilledQty, &r.AvgPrice, &seq, &r.CreatedAt, &r.LastSeen)
	if err != nil {
		return OrderRecord{}, err
	}
	r.Seq = uint64(seq)
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastSeen = r.LastSeen.UTC()
	return r, nil
}

func (p *Default) GetOrder(ctx context.Context, orderID string) (*OrderRecord, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		r, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		return &r, nil
	}
	return nil, rows.Err()
}

func (p *Default) GetGroupOrders(ctx context.Context, groupID string) ([]OrderRecord, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE group_id=$1 ORDER BY created_at ASC, order_id ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query group orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		r, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogEvent appends the event. An event carrying an order snapshot also upserts
// the order row in the same transaction.
func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events (time, group_id, type, description, data) VALUES ($1,$2,$3,$4,$5)`,
			event.Time, event.GroupID, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		if event.Order != nil {
			return p.SaveOrder(WithTransaction(ctx, tx), event.GroupID, *event.Order)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, groupID string) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, group_id, type, description, data FROM events WHERE group_id=$1 ORDER BY id ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.GroupID, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RunMigrations creates the database if it doesn't exist and runs the schema script.
func RunMigrations(ctx context.Context, connStr, schemaPath string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("running database migrations")

	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	base := *u
	base.Path = "/postgres"
	baseDB, err := sql.Open("postgres", base.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		logger.Info("creating database", zap.String("name", dbName))
		_, err = baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	schemaSQL, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", schemaPath, err)
	}

	if _, err = db.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	logger.Info("database migrations completed")
	return nil
}
