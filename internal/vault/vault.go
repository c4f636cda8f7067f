// Package vault implements the Memory Store described by spec.md §4.3: a
// durable key/value store with a full-text search index, project-scoped
// ranking, and tiered retention. It is grounded on the teacher's
// internal/memory/backend/sqlitevec package — the pure-Go modernc.org/sqlite
// driver, sql.DB/transaction idiom, and google/uuid entry IDs — but the
// schema and operations are the Vault's own (a relational KV+FTS store, not
// vector similarity search).
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Kind distinguishes the origin/shape of a vault entry.
type Kind string

const (
	KindNote     Kind = "note"
	KindTool     Kind = "tool"
	KindArtifact Kind = "artifact"
)

// Entry is one row of vault_entries (spec.md §6's on-disk layout).
type Entry struct {
	ID         string
	Kind       Kind
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Key        string
	Value      string
	Tool       string
	ToolCallID string
	Content    string
	Snippet    string
	ProjectDir string
}

const (
	// DefaultMaxEntries is the total-entry LRU-pruning ceiling (spec.md §4.3).
	DefaultMaxEntries = 500
	// DefaultImmutablePerProject caps artifact:review:item:<project>:* entries.
	DefaultImmutablePerProject = 20

	protectedKeyPrefix  = "artifact:review:latest:"
	immutableKeyPrefix  = "artifact:review:item:"
)

// Vault is the Memory Store. The zero value is not usable; construct with Open.
type Vault struct {
	db                 *sql.DB
	maxEntries         int
	immutablePerProject int
	logger             *slog.Logger
	path               string
}

// Options configures retention ceilings; zero values take spec.md defaults.
type Options struct {
	MaxEntries          int
	ImmutablePerProject int
	Logger              *slog.Logger
}

// Open opens (creating if absent) the SQLite-backed vault at path. On
// corruption (schema init or a sanity query failing against an existing
// file) the store file is renamed aside as <path>.corrupt-<timestamp> and a
// fresh store is created in its place, per spec.md §4.3's corruption
// recovery contract.
func Open(path string, opts Options) (*Vault, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.ImmutablePerProject == 0 {
		opts.ImmutablePerProject = DefaultImmutablePerProject
	}

	v := &Vault{
		maxEntries:          opts.MaxEntries,
		immutablePerProject: opts.ImmutablePerProject,
		logger:              opts.Logger,
		path:                path,
	}

	if err := v.openAndInit(path); err != nil {
		if path == ":memory:" {
			return nil, fmt.Errorf("open in-memory vault: %w", err)
		}
		renamed := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405.000000000"))
		if renameErr := os.Rename(path, renamed); renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
			return nil, fmt.Errorf("vault corrupt and could not be moved aside: init=%v rename=%w", err, renameErr)
		}
		v.logger.Warn("vault store corrupt, recreated empty", "path", path, "moved_to", renamed, "init_error", err)
		if err := v.openAndInit(path); err != nil {
			return nil, fmt.Errorf("recreate vault after corruption: %w", err)
		}
	}

	return v, nil
}

func (v *Vault) openAndInit(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer store (spec.md §5)

	if err := initSchema(db); err != nil {
		db.Close()
		return err
	}
	v.db = db
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vault_entries (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			tool TEXT,
			tool_call_id TEXT,
			content TEXT,
			snippet TEXT,
			project_dir TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vault_updated_at ON vault_entries(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_vault_tool_call_id ON vault_entries(tool_call_id)`,
		`CREATE INDEX IF NOT EXISTS idx_vault_project_dir ON vault_entries(project_dir)`,
		`CREATE INDEX IF NOT EXISTS idx_vault_key ON vault_entries(key)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS vault_fts USING fts5(
			search_text, content='vault_entries', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS vault_entries_ai AFTER INSERT ON vault_entries BEGIN
			INSERT INTO vault_fts(rowid, search_text) VALUES (new.rowid, new.key || ' ' || new.value || ' ' || coalesce(new.content, '') || ' ' || coalesce(new.snippet, ''));
		END`,
		`CREATE TRIGGER IF NOT EXISTS vault_entries_ad AFTER DELETE ON vault_entries BEGIN
			INSERT INTO vault_fts(vault_fts, rowid, search_text) VALUES ('delete', old.rowid, old.key || ' ' || old.value || ' ' || coalesce(old.content, '') || ' ' || coalesce(old.snippet, ''));
		END`,
		`CREATE TRIGGER IF NOT EXISTS vault_entries_au AFTER UPDATE ON vault_entries BEGIN
			INSERT INTO vault_fts(vault_fts, rowid, search_text) VALUES ('delete', old.rowid, old.key || ' ' || old.value || ' ' || coalesce(old.content, '') || ' ' || coalesce(old.snippet, ''));
			INSERT INTO vault_fts(rowid, search_text) VALUES (new.rowid, new.key || ' ' || new.value || ' ' || coalesce(new.content, '') || ' ' || coalesce(new.snippet, ''));
		END`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init vault schema: %w", err)
		}
	}
	// Sanity read to surface a corrupt file even when DDL silently "succeeds".
	var count int
	if err := db.QueryRow(`SELECT count(*) FROM vault_entries`).Scan(&count); err != nil {
		return fmt.Errorf("vault sanity check: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Note appends a new entry under key and returns its id (spec.md §4.3 "note").
func (v *Vault) Note(ctx context.Context, key, value string) (string, error) {
	return v.insert(ctx, KindNote, key, value, "", "", value, "", "")
}

// UpsertNote appends, or — if an entry with the same key and kind already
// exists — replaces the newest matching entry's value in place, returning
// its id either way.
func (v *Vault) UpsertNote(ctx context.Context, key, value string, kind Kind) (string, error) {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("upsert_note begin: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM vault_entries WHERE key = ? AND kind = ? ORDER BY updated_at DESC LIMIT 1`,
		key, kind).Scan(&id)

	now := nowString()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.New().String()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vault_entries (id, kind, created_at, updated_at, key, value, content, project_dir)
			 VALUES (?, ?, ?, ?, ?, ?, ?, '')`,
			id, kind, now, now, key, value, value); err != nil {
			return "", fmt.Errorf("upsert_note insert: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("upsert_note lookup: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE vault_entries SET value = ?, content = ?, updated_at = ? WHERE id = ?`,
			value, value, now, id); err != nil {
			return "", fmt.Errorf("upsert_note update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("upsert_note commit: %w", err)
	}
	return id, nil
}

// LatestByKey returns the most recently updated entry for key, optionally
// filtered by kind. Returns (nil, nil) when no entry exists.
func (v *Vault) LatestByKey(ctx context.Context, key string, kind Kind) (*Entry, error) {
	query := `SELECT id, kind, created_at, updated_at, key, value, tool, tool_call_id, content, snippet, project_dir
		FROM vault_entries WHERE key = ?`
	args := []any{key}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`

	row := v.db.QueryRowContext(ctx, query, args...)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest_by_key: %w", err)
	}
	return e, nil
}

// DeleteByKeyPrefix removes every entry whose key starts with prefix and
// returns the number of rows removed.
func (v *Vault) DeleteByKeyPrefix(ctx context.Context, prefix string) (int, error) {
	res, err := v.db.ExecContext(ctx, `DELETE FROM vault_entries WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("delete_by_key_prefix: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete_by_key_prefix rows affected: %w", err)
	}
	return int(n), nil
}

// ToolArchiveInput is one dropped tool message to archive.
type ToolArchiveInput struct {
	ToolCallID string
	ToolName   string
	Content    string
	Snippet    string
	ProjectDir string
}

// ArchiveToolMessage archives a dropped tool message, idempotent on
// ToolCallID: calling it twice for the same tool_call_id inserts exactly one
// row (spec.md §8 round-trip law).
func (v *Vault) ArchiveToolMessage(ctx context.Context, toolCallID, toolName, content, snippet, projectDir string) error {
	return v.ArchiveToolMessages(ctx, []ToolArchiveInput{{
		ToolCallID: toolCallID, ToolName: toolName, Content: content, Snippet: snippet, ProjectDir: projectDir,
	}})
}

// ArchiveToolMessages archives a batch of dropped tool messages in a single
// transaction, each idempotent on tool_call_id.
func (v *Vault) ArchiveToolMessages(ctx context.Context, batch []ToolArchiveInput) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive_tool_messages begin: %w", err)
	}
	defer tx.Rollback()

	for _, in := range batch {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM vault_entries WHERE tool_call_id = ?`, in.ToolCallID).Scan(&exists); err != nil {
			return fmt.Errorf("archive_tool_messages lookup: %w", err)
		}
		if exists > 0 {
			continue
		}
		now := nowString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vault_entries (id, kind, created_at, updated_at, key, value, tool, tool_call_id, content, snippet, project_dir)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), KindTool, now, now, "tool:"+in.ToolName, in.Snippet,
			in.ToolName, in.ToolCallID, in.Content, in.Snippet, in.ProjectDir); err != nil {
			return fmt.Errorf("archive_tool_messages insert: %w", err)
		}
	}

	if err := v.pruneLocked(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive_tool_messages commit: %w", err)
	}
	return nil
}

// searchTier ranks entries relative to the session's project directory:
// same-project first, unscoped second, other-project last (spec.md §4.3).
type searchTier int

const (
	tierSameProject searchTier = iota
	tierUnscoped
	tierOtherProject
)

// Search returns up to limit entries matching query, scored and ordered by
// project-scope tier then text relevance then recency.
func (v *Vault) Search(ctx context.Context, query, sessionProjectDir string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := v.db.QueryContext(ctx, `
		SELECT e.id, e.kind, e.created_at, e.updated_at, e.key, e.value, e.tool, e.tool_call_id, e.content, e.snippet, e.project_dir,
		       bm25(vault_fts) AS rank
		FROM vault_entries e
		JOIN vault_fts ON vault_fts.rowid = e.rowid
		WHERE vault_fts MATCH ?
		ORDER BY rank
		LIMIT 500`, ftsQuery(query))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []scoredEntry
	for rows.Next() {
		var e Entry
		var rank float64
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.Kind, &createdAt, &updatedAt, &e.Key, &e.Value, &e.Tool, &e.ToolCallID, &e.Content, &e.Snippet, &e.ProjectDir, &rank); err != nil {
			return nil, fmt.Errorf("search scan: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		results = append(results, scoredEntry{e: &e, tier: projectTier(e.ProjectDir, sessionProjectDir), rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}

	sortByTierRankRecency(results)

	out := make([]*Entry, 0, limit)
	for i, r := range results {
		if i >= limit {
			break
		}
		out = append(out, r.e)
	}
	return out, nil
}

func projectTier(entryProject, sessionProject string) searchTier {
	if entryProject == "" {
		return tierUnscoped
	}
	if sessionProject != "" && (entryProject == sessionProject || strings.HasPrefix(sessionProject, entryProject)) {
		return tierSameProject
	}
	return tierOtherProject
}

// scoredEntry is a Search result candidate before final tier/rank/recency
// ordering is applied.
type scoredEntry struct {
	e    *Entry
	tier searchTier
	rank float64
}

func sortByTierRankRecency(results []scoredEntry) {
	// Stable insertion sort: result sets from Search are small (<=500),
	// and stability preserves FTS rank ordering within a tier.
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && less(results[j], results[j-1]) {
			results[j], results[j-1] = results[j-1], results[j]
			j--
		}
	}
}

func less(a, b scoredEntry) bool {
	if a.tier != b.tier {
		return a.tier < b.tier
	}
	if a.rank != b.rank {
		return a.rank < b.rank // bm25: lower is more relevant
	}
	return a.e.UpdatedAt.After(b.e.UpdatedAt)
}

func ftsQuery(q string) string {
	q = strings.TrimSpace(q)
	if q == "" {
		return `""`
	}
	fields := strings.Fields(q)
	for i, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		fields[i] = `"` + f + `"*`
	}
	return strings.Join(fields, " OR ")
}

func (v *Vault) insert(ctx context.Context, kind Kind, key, value, tool, toolCallID, content, snippet, projectDir string) (string, error) {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("insert begin: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	now := nowString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vault_entries (id, kind, created_at, updated_at, key, value, tool, tool_call_id, content, snippet, project_dir)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, kind, now, now, key, value, tool, toolCallID, content, snippet, projectDir); err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}

	if err := v.pruneLocked(ctx, tx); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("insert commit: %w", err)
	}
	return id, nil
}

// pruneLocked enforces retention within an already-open transaction, so
// every insert that can grow the store prunes atomically with it (spec.md
// §4.3 "pruning and inserts execute in a single transaction").
func (v *Vault) pruneLocked(ctx context.Context, tx *sql.Tx) error {
	// Immutable item entries: cap per project, oldest dropped first.
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT project_dir FROM vault_entries WHERE key LIKE ? ESCAPE '\'`,
		escapeLike(immutableKeyPrefix)+"%")
	if err != nil {
		return fmt.Errorf("prune: list projects: %w", err)
	}
	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("prune: scan project: %w", err)
		}
		projects = append(projects, p)
	}
	rows.Close()

	for _, proj := range projects {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vault_entries WHERE id IN (
				SELECT id FROM vault_entries
				WHERE key LIKE ? ESCAPE '\' AND project_dir = ?
				ORDER BY updated_at DESC
				LIMIT -1 OFFSET ?
			)`, escapeLike(immutableKeyPrefix)+"%", proj, v.immutablePerProject); err != nil {
			return fmt.Errorf("prune: immutable cap: %w", err)
		}
	}

	// Total-entry LRU prune: never touch protected or immutable-item keys.
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM vault_entries`).Scan(&total); err != nil {
		return fmt.Errorf("prune: count: %w", err)
	}
	if total <= v.maxEntries {
		return nil
	}
	overflow := total - v.maxEntries
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM vault_entries WHERE id IN (
			SELECT id FROM vault_entries
			WHERE key NOT LIKE ? ESCAPE '\' AND key NOT LIKE ? ESCAPE '\'
			ORDER BY updated_at ASC
			LIMIT ?
		)`, escapeLike(protectedKeyPrefix)+"%", escapeLike(immutableKeyPrefix)+"%", overflow); err != nil {
		return fmt.Errorf("prune: lru: %w", err)
	}
	return nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var createdAt, updatedAt string
	if err := row.Scan(&e.ID, &e.Kind, &createdAt, &updatedAt, &e.Key, &e.Value, &e.Tool, &e.ToolCallID, &e.Content, &e.Snippet, &e.ProjectDir); err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
