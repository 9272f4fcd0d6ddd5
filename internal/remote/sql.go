package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// TimeLayout is the fixed-width UTC layout used for timestamp columns, so
// that text comparison matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

const (
	// DriverSQLite opens a local or self-hosted SQLite file.
	DriverSQLite = "sqlite3"
	// DriverLibSQL opens a libSQL database, local or hosted.
	DriverLibSQL = "libsql"
)

// Config holds configuration for opening a SQL store.
type Config struct {
	// Driver is DriverSQLite or DriverLibSQL.
	Driver string
	// DSN is a file path, a file: URI, or a libsql:// URL.
	DSN string
	// AutoMigrate applies the bundled schema migrations on open.
	AutoMigrate bool
	Logger      *slog.Logger
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	conn   *sql.DB
	driver string
	logger *slog.Logger

	colMu sync.Mutex
	cols  *Columns
}

// Open connects to the store described by cfg.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("remote dsn cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var (
		conn *sql.DB
		err  error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		cfg.Driver = DriverSQLite
		conn, err = openSQLite(cfg.DSN)
	case DriverLibSQL:
		conn, err = openLibSQL(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported remote driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping remote store: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{conn: conn, driver: cfg.Driver, logger: cfg.Logger}

	if cfg.AutoMigrate {
		if err := MigrateUp(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return s, nil
}

// openSQLite opens a SQLite file through ncruces/go-sqlite3. Pragmas go in
// the DSN so that every pooled connection gets them.
func openSQLite(dsn string) (*sql.DB, error) {
	if !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_txlock=immediate"

	conn, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return conn, nil
}

// openLibSQL opens a libSQL database. libsql ignores DSN pragmas, so the busy
// timeout is set explicitly for local files.
func openLibSQL(dsn string) (*sql.DB, error) {
	if !libsqlAvailable {
		return nil, fmt.Errorf("libsql driver requires a cgo build")
	}
	conn, err := sql.Open(DriverLibSQL, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.HasPrefix(dsn, "file:") {
		if err := execPragma(conn, "PRAGMA busy_timeout = 10000"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	return conn, nil
}

// execPragma runs a PRAGMA using Query because libsql returns rows for it.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	return rows.Close()
}

// RawDB returns the underlying sql.DB connection.
func (s *SQLStore) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close remote store: %w", err)
	}
	s.conn = nil
	return nil
}

// Columns implements Store.Columns. A successful probe is cached for the
// lifetime of the store; a failed one is retried on the next call.
func (s *SQLStore) Columns(ctx context.Context) (Columns, error) {
	s.colMu.Lock()
	defer s.colMu.Unlock()

	if s.cols != nil {
		return *s.cols, nil
	}

	if err := s.probe(ctx, "id"); err != nil {
		return Columns{}, fmt.Errorf("failed to probe posts table: %w", err)
	}

	cols := Columns{Content: "content"}
	if s.probe(ctx, "content") != nil {
		if err := s.probe(ctx, "content_md"); err != nil {
			return Columns{}, fmt.Errorf("posts table has neither content nor content_md: %w", err)
		}
		cols.Content = "content_md"
	}
	cols.HasEtag = s.probe(ctx, "etag") == nil
	cols.HasUserID = s.probe(ctx, "user_id") == nil
	cols.HasMeta = s.probe(ctx, "meta") == nil

	s.logger.Debug("probed remote columns", "content", cols.Content,
		"etag", cols.HasEtag, "user_id", cols.HasUserID, "meta", cols.HasMeta)

	s.cols = &cols
	return cols, nil
}

// probe checks for a column with a query that returns no rows.
func (s *SQLStore) probe(ctx context.Context, column string) error {
	rows, err := s.conn.QueryContext(ctx, "SELECT "+column+" FROM posts LIMIT 0")
	if err != nil {
		return err
	}
	return rows.Close()
}

// GetPile implements Store.GetPile.
func (s *SQLStore) GetPile(ctx context.Context, id string) (*Pile, error) {
	var (
		p                    Pile
		userID, name         sql.NullString
		createdAt, updatedAt string
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at, updated_at FROM piles WHERE id = ?`, id,
	).Scan(&p.ID, &userID, &name, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pile %s: %w", id, err)
	}
	p.UserID = userID.String
	p.Name = name.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// CreatePile implements Store.CreatePile. Creating an existing pile is a no-op.
func (s *SQLStore) CreatePile(ctx context.Context, pile *Pile) error {
	if pile.ID == "" {
		return fmt.Errorf("pile id is required")
	}
	now := time.Now()
	if pile.CreatedAt.IsZero() {
		pile.CreatedAt = now
	}
	if pile.UpdatedAt.IsZero() {
		pile.UpdatedAt = pile.CreatedAt
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO piles (id, user_id, name, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		pile.ID,
		nullString(pile.UserID),
		pile.Name,
		formatTime(pile.CreatedAt),
		formatTime(pile.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create pile %s: %w", pile.ID, err)
	}
	return nil
}

func postSelect(cols Columns) string {
	etag, userID, meta := "NULL", "NULL", "NULL"
	if cols.HasEtag {
		etag = "etag"
	}
	if cols.HasUserID {
		userID = "user_id"
	}
	if cols.HasMeta {
		meta = "meta"
	}
	return fmt.Sprintf(`SELECT id, pile_id, title, %s, %s, %s, %s, created_at, updated_at, deleted_at FROM posts`,
		cols.Content, etag, userID, meta)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (*Post, error) {
	var (
		p                                  Post
		title, content, etag, userID, meta sql.NullString
		createdAt, deletedAt               sql.NullString
		updatedAt                          string
	)
	if err := row.Scan(&p.ID, &p.PileID, &title, &content, &etag, &userID, &meta, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	p.Title = title.String
	p.Content = content.String
	p.Etag = etag.String
	p.UserID = userID.String
	p.CreatedAt = parseTime(createdAt.String)
	p.UpdatedAt = parseTime(updatedAt)
	p.rawUpdatedAt = updatedAt
	if deletedAt.Valid && deletedAt.String != "" {
		t := parseTime(deletedAt.String)
		p.DeletedAt = &t
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &p.Meta); err != nil {
			return nil, fmt.Errorf("failed to parse meta of post %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// GetPost implements Store.GetPost. Tombstoned posts are returned.
func (s *SQLStore) GetPost(ctx context.Context, id string) (*Post, error) {
	cols, err := s.Columns(ctx)
	if err != nil {
		return nil, err
	}
	post, err := scanPost(s.conn.QueryRowContext(ctx, postSelect(cols)+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post %s: %w", id, err)
	}
	return post, nil
}

// postValues returns the optional-column aware name/value pairs of a post,
// excluding id and created_at.
func postValues(cols Columns, post *Post) ([]string, []any, error) {
	names := []string{"pile_id", "title", cols.Content, "updated_at"}
	values := []any{post.PileID, post.Title, post.Content, formatTime(post.UpdatedAt)}

	if cols.HasEtag {
		names = append(names, "etag")
		values = append(values, nullString(post.Etag))
	}
	if cols.HasUserID && post.UserID != "" {
		names = append(names, "user_id")
		values = append(values, post.UserID)
	}
	if cols.HasMeta {
		var meta any
		if len(post.Meta) > 0 {
			data, err := json.Marshal(post.Meta)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to marshal meta: %w", err)
			}
			meta = string(data)
		}
		names = append(names, "meta")
		values = append(values, meta)
	}
	return names, values, nil
}

// InsertPost implements Store.InsertPost.
func (s *SQLStore) InsertPost(ctx context.Context, post *Post) error {
	cols, err := s.Columns(ctx)
	if err != nil {
		return err
	}
	names, values, err := postValues(cols, post)
	if err != nil {
		return err
	}

	createdAt := post.CreatedAt
	if createdAt.IsZero() {
		createdAt = post.UpdatedAt
	}
	names = append([]string{"id", "created_at"}, names...)
	values = append([]any{post.ID, formatTime(createdAt)}, values...)

	query := fmt.Sprintf(`INSERT INTO posts (%s) VALUES (%s)`,
		strings.Join(names, ", "), placeholders(len(names)))
	if _, err := s.conn.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to insert post %s: %w", post.ID, err)
	}
	return nil
}

// UpdatePostGuarded implements Store.UpdatePostGuarded. A successful update
// also clears any tombstone.
func (s *SQLStore) UpdatePostGuarded(ctx context.Context, post *Post, prev *Post) (bool, error) {
	cols, err := s.Columns(ctx)
	if err != nil {
		return false, err
	}
	names, values, err := postValues(cols, post)
	if err != nil {
		return false, err
	}

	sets := make([]string, 0, len(names)+1)
	for _, name := range names {
		sets = append(sets, name+" = ?")
	}
	sets = append(sets, "deleted_at = NULL")

	guardUpdatedAt := prev.rawUpdatedAt
	if guardUpdatedAt == "" {
		guardUpdatedAt = formatTime(prev.UpdatedAt)
	}
	where := "id = ? AND updated_at = ?"
	values = append(values, post.ID, guardUpdatedAt)
	if cols.HasEtag {
		where += " AND COALESCE(etag, '') = ?"
		values = append(values, prev.Etag)
	}

	query := fmt.Sprintf(`UPDATE posts SET %s WHERE %s`, strings.Join(sets, ", "), where)
	res, err := s.conn.ExecContext(ctx, query, values...)
	if err != nil {
		return false, fmt.Errorf("failed to update post %s: %w", post.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// TombstonePost implements Store.TombstonePost.
func (s *SQLStore) TombstonePost(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	res, err := s.conn.ExecContext(ctx,
		`UPDATE posts SET deleted_at = ?, updated_at = ? WHERE id = ?`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to tombstone post %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListPostsSince implements Store.ListPostsSince.
func (s *SQLStore) ListPostsSince(ctx context.Context, pileID string, after Cursor, limit int) ([]*Post, error) {
	cols, err := s.Columns(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	cursor := formatTime(after.UpdatedAt)
	query := postSelect(cols) + `
	WHERE pile_id = ?
	  AND (updated_at > ? OR (updated_at = ? AND id > ?))
	ORDER BY updated_at ASC, id ASC
	LIMIT ?`

	rows, err := s.conn.QueryContext(ctx, query, pileID, cursor, cursor, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate posts: %w", err)
	}
	return posts, nil
}

const attachmentSelect = `SELECT id, post_id, pile_id, filename, content_hash, size, mime_type,
	storage_path, created_at, updated_at, deleted_at FROM attachments`

func scanAttachment(row scanner) (*Attachment, error) {
	var (
		a                    Attachment
		mimeType, deletedAt  sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.PostID, &a.PileID, &a.Filename, &a.ContentHash, &a.Size,
		&mimeType, &a.StoragePath, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	a.MimeType = mimeType.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	if deletedAt.Valid && deletedAt.String != "" {
		t := parseTime(deletedAt.String)
		a.DeletedAt = &t
	}
	return &a, nil
}

// FindAttachment implements Store.FindAttachment. Only live rows match.
func (s *SQLStore) FindAttachment(ctx context.Context, postID, hash, filename string) (*Attachment, error) {
	att, err := scanAttachment(s.conn.QueryRowContext(ctx, attachmentSelect+`
	WHERE post_id = ? AND content_hash = ? AND filename = ? AND deleted_at IS NULL
	LIMIT 1`, postID, hash, filename))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s/%s: %w", postID, filename, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find attachment: %w", err)
	}
	return att, nil
}

// FindAttachmentByPath implements Store.FindAttachmentByPath. Only live rows match.
func (s *SQLStore) FindAttachmentByPath(ctx context.Context, storagePath string) (*Attachment, error) {
	att, err := scanAttachment(s.conn.QueryRowContext(ctx, attachmentSelect+`
	WHERE storage_path = ? AND deleted_at IS NULL
	LIMIT 1`, storagePath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s: %w", storagePath, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find attachment: %w", err)
	}
	return att, nil
}

// InsertAttachment implements Store.InsertAttachment.
func (s *SQLStore) InsertAttachment(ctx context.Context, att *Attachment) error {
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now()
	}
	if att.UpdatedAt.IsZero() {
		att.UpdatedAt = att.CreatedAt
	}
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO attachments (
		id, post_id, pile_id, filename, content_hash, size, mime_type,
		storage_path, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID,
		att.PostID,
		att.PileID,
		att.Filename,
		att.ContentHash,
		att.Size,
		nullString(att.MimeType),
		att.StoragePath,
		formatTime(att.CreatedAt),
		formatTime(att.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attachment %s: %w", att.Filename, err)
	}
	return nil
}

// ListAttachments implements Store.ListAttachments. Only live rows are returned.
func (s *SQLStore) ListAttachments(ctx context.Context, postID string) ([]*Attachment, error) {
	rows, err := s.conn.QueryContext(ctx, attachmentSelect+`
	WHERE post_id = ? AND deleted_at IS NULL
	ORDER BY created_at ASC, filename ASC`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var atts []*Attachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		atts = append(atts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attachments: %w", err)
	}
	return atts, nil
}

// SoftDeleteAttachment implements Store.SoftDeleteAttachment.
func (s *SQLStore) SoftDeleteAttachment(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	_, err := s.conn.ExecContext(ctx,
		`UPDATE attachments SET deleted_at = ?, updated_at = ? WHERE id = ?`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to delete attachment %s: %w", id, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// parseTime accepts the fixed-width layout, RFC 3339, and SQLite's datetime()
// format. Unparseable values yield the zero time.
func parseTime(s string) time.Time {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
