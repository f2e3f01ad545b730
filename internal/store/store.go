package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/franzego/notifygateway/internal/config"
	"github.com/franzego/notifygateway/internal/models"
)

var (
	ErrNotFound      = errors.New("notification not found")
	ErrInvalidStatus = errors.New("invalid target status")
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

const columns = `id, request_id, user_id, notification_type, template_code, variables, priority, metadata, status, attempts, error, created_at, updated_at`

var placeholder = regexp.MustCompile(`\$(\d+)`)

// Store persists notifications keyed by request_id. All methods are safe for
// concurrent use; the underlying *sql.DB is a connection pool.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	dialect := Dialect(cfg.Driver)
	if dialect != Postgres && dialect != SQLite {
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	db, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// one writer; an in-memory database also lives and dies with its connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if dialect == SQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}
	return New(db, dialect), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rebind(query string) string {
	if s.dialect == SQLite {
		return placeholder.ReplaceAllString(query, "?$1")
	}
	return query
}

// InsertPending inserts n as a pending record. When a record with the same
// request_id already exists nothing is written, the existing record is
// returned and inserted is false. Conflict detection happens inside the
// INSERT itself.
func (s *Store) InsertPending(ctx context.Context, n *models.Notification) (models.Notification, bool, error) {
	now := s.now()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.Status = models.StatusPending
	n.Attempts = 0
	n.Error = nil
	n.CreatedAt = now
	n.UpdatedAt = now

	variables, err := encodeJSON(n.Variables)
	if err != nil {
		return models.Notification{}, false, fmt.Errorf("failed to encode variables: %w", err)
	}
	if variables == nil {
		empty := "{}"
		variables = &empty
	}
	metadata, err := encodeJSON(n.Metadata)
	if err != nil {
		return models.Notification{}, false, fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO notifications (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING ` + columns

	row := s.db.QueryRowContext(ctx, s.rebind(query),
		n.ID, n.RequestID, n.UserID, string(n.NotificationType), n.TemplateCode,
		*variables, n.Priority, nullable(metadata), string(n.Status), n.Attempts,
		nil, n.CreatedAt, n.UpdatedAt,
	)
	inserted, err := scanNotification(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Notification{}, false, fmt.Errorf("failed to insert notification: %w", err)
	}

	existing, err := s.Get(ctx, n.RequestID)
	if err != nil {
		return models.Notification{}, false, fmt.Errorf("failed to load conflicting notification: %w", err)
	}
	return existing, false, nil
}

func (s *Store) Get(ctx context.Context, requestID string) (models.Notification, error) {
	query := `SELECT ` + columns + ` FROM notifications WHERE request_id = $1`

	n, err := scanNotification(s.db.QueryRowContext(ctx, s.rebind(query), requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Notification{}, ErrNotFound
		}
		return models.Notification{}, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// ApplyStatus moves a record forward to u.Status if its current status is an
// allowed predecessor. A record already past that point (for example terminal)
// is returned unchanged. ErrNotFound is returned for unknown request ids; no
// record is ever created here.
func (s *Store) ApplyStatus(ctx context.Context, u models.StatusUpdate) (models.Notification, error) {
	preds := u.Status.Predecessors()
	if len(preds) == 0 {
		return models.Notification{}, fmt.Errorf("%w: %s", ErrInvalidStatus, u.Status)
	}
	increment := 0
	if u.IncrementAttempts {
		increment = 1
	}

	args := []any{string(u.Status), nullable(u.Error), increment, s.now(), u.RequestID}
	marks := make([]string, 0, len(preds))
	for _, p := range preds {
		args = append(args, string(p))
		marks = append(marks, fmt.Sprintf("$%d", len(args)))
	}

	query := `
		UPDATE notifications
		SET status = $1, error = $2, attempts = attempts + $3, updated_at = $4
		WHERE request_id = $5 AND status IN (` + strings.Join(marks, ", ") + `)
		RETURNING ` + columns

	n, err := scanNotification(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Notification{}, fmt.Errorf("failed to update notification status: %w", err)
	}

	// nothing matched: unknown id, or a status the target cannot follow
	return s.Get(ctx, u.RequestID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(row scanner) (models.Notification, error) {
	var (
		n                   models.Notification
		typ, status         string
		variables, metadata []byte
		errText             sql.NullString
	)
	err := row.Scan(
		&n.ID, &n.RequestID, &n.UserID, &typ, &n.TemplateCode,
		&variables, &n.Priority, &metadata, &status, &n.Attempts,
		&errText, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return models.Notification{}, err
	}
	n.NotificationType = models.NotificationType(typ)
	n.Status = models.Status(status)
	if errText.Valid {
		e := errText.String
		n.Error = &e
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &n.Variables); err != nil {
			return models.Notification{}, fmt.Errorf("failed to decode variables: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return models.Notification{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return n, nil
}

func encodeJSON(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
