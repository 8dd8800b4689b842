package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hylla/concord/internal/app"
	"github.com/hylla/concord/internal/domain"
	_ "modernc.org/sqlite"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// tsLayout is fixed width so stored timestamps sort lexicographically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Repository implements the engine store over one SQLite database.
type Repository struct {
	db *sql.DB
}

var _ app.Repository = (*Repository)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Repository, error) {
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Initialize applies the schema; it is safe to call repeatedly.
func (r *Repository) Initialize(ctx context.Context) error {
	return r.migrate(ctx)
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS locks (
			lock_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			document_id TEXT NOT NULL,
			holder_id TEXT NOT NULL,
			status TEXT NOT NULL,
			lease_ns INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_locks_active_document
			ON locks(resource_type, document_id) WHERE status = 'active';`,
		`CREATE INDEX IF NOT EXISTS idx_locks_status_heartbeat ON locks(status, last_heartbeat);`,
		`CREATE TABLE IF NOT EXISTS versions (
			resource_type TEXT NOT NULL,
			document_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			snapshot_json TEXT NOT NULL,
			operation_kind TEXT NOT NULL,
			author_id TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			checksum TEXT NOT NULL,
			PRIMARY KEY(resource_type, document_id, version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_versions_author ON versions(resource_type, document_id, author_id, version);`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			conflict_id TEXT PRIMARY KEY,
			resource_type TEXT NOT NULL,
			document_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			involved_json TEXT NOT NULL DEFAULT '[]',
			base_version INTEGER NOT NULL DEFAULT 0,
			conflicting_json TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			strategy_used TEXT NOT NULL DEFAULT '',
			resolution_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			resolved_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_document ON conflicts(resource_type, document_id, status, created_at);`,
		`CREATE TABLE IF NOT EXISTS operation_logs (
			log_id TEXT PRIMARY KEY,
			operation_type TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			recorded_at TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_operation_logs_recorded ON operation_logs(recorded_at);`,
		`CREATE TABLE IF NOT EXISTS documents (
			resource_type TEXT NOT NULL,
			document_id TEXT NOT NULL,
			body_json TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			updated_by TEXT NOT NULL,
			PRIMARY KEY(resource_type, document_id)
		);`,
		`CREATE TABLE IF NOT EXISTS actor_roles (
			actor_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// CreateLock inserts a new active lease; ErrLockExists when one is already active.
func (r *Repository) CreateLock(ctx context.Context, lock domain.Lock) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO locks(lock_id, token, resource_type, document_id, holder_id, status, lease_ns, created_at, expires_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, lock.LockID, lock.Token, lock.ResourceType, lock.DocumentID, lock.HolderID, string(lock.Status), int64(lock.LeaseDuration), ts(lock.CreatedAt), ts(lock.ExpiresAt), ts(lock.LastHeartbeat))
	return translateErr(err, domain.ErrLockExists)
}

// GetLock returns one lock row.
func (r *Repository) GetLock(ctx context.Context, lockID string) (domain.Lock, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT lock_id, token, resource_type, document_id, holder_id, status, lease_ns, created_at, expires_at, last_heartbeat
		FROM locks
		WHERE lock_id = ?
	`, lockID)
	lock, err := scanLock(row)
	return lock, translateErr(err, nil)
}

// ListLocks lists locks matching filter, oldest first.
func (r *Repository) ListLocks(ctx context.Context, filter domain.LockFilter) ([]domain.Lock, error) {
	var (
		where []string
		args  []any
	)
	if filter.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, filter.ResourceType)
	}
	if filter.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if filter.ExcludeHolderID != "" {
		where = append(where, "holder_id <> ?")
		args = append(args, filter.ExcludeHolderID)
	}
	if filter.HeartbeatBefore != nil {
		where = append(where, "last_heartbeat < ?")
		args = append(args, ts(*filter.HeartbeatBefore))
	}
	query := `
		SELECT lock_id, token, resource_type, document_id, holder_id, status, lease_ns, created_at, expires_at, last_heartbeat
		FROM locks
	` + whereClause(where) + ` ORDER BY created_at ASC, lock_id ASC` + limitClause(filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err, nil)
	}
	defer rows.Close()
	out := []domain.Lock{}
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lock)
	}
	return out, rows.Err()
}

// TouchLock extends an active lease held under token.
func (r *Repository) TouchLock(ctx context.Context, lockID, token string, heartbeatAt, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE locks
		SET last_heartbeat = ?, expires_at = ?
		WHERE lock_id = ? AND token = ? AND status = 'active'
	`, ts(heartbeatAt), ts(expiresAt), lockID, token)
	if err != nil {
		return translateErr(err, nil)
	}
	return translateNoRows(res)
}

// TransitionLock moves a lock from one status to another when the token matches.
func (r *Repository) TransitionLock(ctx context.Context, lockID, token string, from, to domain.LockStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE locks
		SET status = ?
		WHERE lock_id = ? AND token = ? AND status = ?
	`, string(to), lockID, token, string(from))
	if err != nil {
		return translateErr(err, domain.ErrLockExists)
	}
	return translateNoRows(res)
}

// AppendVersion inserts one version; ErrVersionExists when the number is taken.
func (r *Repository) AppendVersion(ctx context.Context, rec domain.VersionRecord) error {
	raw, err := rec.Snapshot.Canonical()
	if err != nil {
		return fmt.Errorf("encode version snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO versions(resource_type, document_id, version, snapshot_json, operation_kind, author_id, recorded_at, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ResourceType, rec.DocumentID, rec.Version, string(raw), string(rec.OperationKind), rec.AuthorID, ts(rec.RecordedAt), rec.Checksum)
	return translateErr(err, domain.ErrVersionExists)
}

// GetVersion returns one version.
func (r *Repository) GetVersion(ctx context.Context, resourceType, documentID string, version int64) (domain.VersionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT resource_type, document_id, version, snapshot_json, operation_kind, author_id, recorded_at, checksum
		FROM versions
		WHERE resource_type = ? AND document_id = ? AND version = ?
	`, resourceType, documentID, version)
	rec, err := scanVersion(row)
	return rec, translateErr(err, nil)
}

// LatestVersion returns the highest-numbered version.
func (r *Repository) LatestVersion(ctx context.Context, resourceType, documentID string) (domain.VersionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT resource_type, document_id, version, snapshot_json, operation_kind, author_id, recorded_at, checksum
		FROM versions
		WHERE resource_type = ? AND document_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, resourceType, documentID)
	rec, err := scanVersion(row)
	return rec, translateErr(err, nil)
}

// ListVersions lists versions newer than SinceVersion in ascending order.
func (r *Repository) ListVersions(ctx context.Context, filter domain.VersionFilter) ([]domain.VersionRecord, error) {
	where := []string{"resource_type = ?", "document_id = ?", "version > ?"}
	args := []any{filter.ResourceType, filter.DocumentID, filter.SinceVersion}
	if filter.AuthorID != "" {
		where = append(where, "author_id = ?")
		args = append(args, filter.AuthorID)
	}
	query := `
		SELECT resource_type, document_id, version, snapshot_json, operation_kind, author_id, recorded_at, checksum
		FROM versions
	` + whereClause(where) + ` ORDER BY version ASC` + limitClause(filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err, nil)
	}
	defer rows.Close()
	out := []domain.VersionRecord{}
	for rows.Next() {
		rec, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateConflict inserts a conflict record.
func (r *Repository) CreateConflict(ctx context.Context, rec domain.ConflictRecord) error {
	cols, err := encodeConflict(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conflicts(conflict_id, resource_type, document_id, kind, involved_json, base_version, conflicting_json, status, strategy_used, resolution_json, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ConflictID, rec.ResourceType, rec.DocumentID, string(rec.Kind), cols.involved, rec.BaseVersion, cols.conflicting, string(rec.Status), string(rec.StrategyUsed), cols.resolution, ts(rec.CreatedAt), nullableTS(rec.ResolvedAt))
	return translateErr(err, nil)
}

// UpdatePendingConflict rewrites the actors and versions of a still-pending record.
func (r *Repository) UpdatePendingConflict(ctx context.Context, rec domain.ConflictRecord) error {
	cols, err := encodeConflict(rec)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE conflicts
		SET involved_json = ?, conflicting_json = ?
		WHERE conflict_id = ? AND status = 'pending'
	`, cols.involved, cols.conflicting, rec.ConflictID)
	if err != nil {
		return translateErr(err, nil)
	}
	return translateNoRows(res)
}

// ResolveConflict transitions a pending record to resolved exactly once.
func (r *Repository) ResolveConflict(ctx context.Context, rec domain.ConflictRecord) error {
	cols, err := encodeConflict(rec)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE conflicts
		SET status = ?, strategy_used = ?, resolution_json = ?, resolved_at = ?
		WHERE conflict_id = ? AND status = 'pending'
	`, string(rec.Status), string(rec.StrategyUsed), cols.resolution, nullableTS(rec.ResolvedAt), rec.ConflictID)
	if err != nil {
		return translateErr(err, nil)
	}
	if err := translateNoRows(res); err == nil || !errors.Is(err, app.ErrNotFound) {
		return err
	}
	if _, err := r.GetConflict(ctx, rec.ConflictID); err != nil {
		return err
	}
	return domain.ErrConflictAlreadyResolved
}

// GetConflict returns one conflict record.
func (r *Repository) GetConflict(ctx context.Context, conflictID string) (domain.ConflictRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT conflict_id, resource_type, document_id, kind, involved_json, base_version, conflicting_json, status, strategy_used, resolution_json, created_at, resolved_at
		FROM conflicts
		WHERE conflict_id = ?
	`, conflictID)
	rec, err := scanConflict(row)
	return rec, translateErr(err, nil)
}

// ListConflicts lists conflict records matching filter, newest first.
func (r *Repository) ListConflicts(ctx context.Context, filter domain.ConflictFilter) ([]domain.ConflictRecord, error) {
	where, args := conflictWhere(filter)
	query := `
		SELECT conflict_id, resource_type, document_id, kind, involved_json, base_version, conflicting_json, status, strategy_used, resolution_json, created_at, resolved_at
		FROM conflicts
	` + whereClause(where) + ` ORDER BY created_at DESC, rowid DESC` + limitClause(filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err, nil)
	}
	defer rows.Close()
	out := []domain.ConflictRecord{}
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountConflicts counts conflict records matching filter.
func (r *Repository) CountConflicts(ctx context.Context, filter domain.ConflictFilter) (int, error) {
	where, args := conflictWhere(filter)
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`+whereClause(where), args...).Scan(&n)
	if err != nil {
		return 0, translateErr(err, nil)
	}
	return n, nil
}

// AppendLogs writes a batch of audit entries in one transaction. Entries already
// stored under the same id are skipped so a retried batch is not duplicated.
func (r *Repository) AppendLogs(ctx context.Context, entries []domain.LogEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err, nil)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO operation_logs(log_id, operation_type, actor_id, level, details, metadata_json, recorded_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return translateErr(err, nil)
	}
	defer stmt.Close()
	for _, entry := range entries {
		meta, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode log metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, entry.LogID, entry.OperationType, entry.ActorID, string(entry.Level), entry.Details, string(meta), ts(entry.RecordedAt), entry.RetryCount); err != nil {
			return translateErr(err, nil)
		}
	}
	return tx.Commit()
}

// ListLogs lists audit entries matching filter, oldest first.
func (r *Repository) ListLogs(ctx context.Context, filter domain.LogFilter) ([]domain.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.OperationType != "" {
		where = append(where, "operation_type = ?")
		args = append(args, filter.OperationType)
	}
	if len(filter.Levels) > 0 {
		where = append(where, "level IN ("+placeholders(len(filter.Levels))+")")
		for _, level := range filter.Levels {
			args = append(args, string(level))
		}
	}
	if filter.Since != nil {
		where = append(where, "recorded_at >= ?")
		args = append(args, ts(*filter.Since))
	}
	query := `
		SELECT log_id, operation_type, actor_id, level, details, metadata_json, recorded_at, retry_count
		FROM operation_logs
	` + whereClause(where) + ` ORDER BY recorded_at ASC, rowid ASC` + limitClause(filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err, nil)
	}
	defer rows.Close()
	out := []domain.LogEntry{}
	for rows.Next() {
		var (
			entry       domain.LogEntry
			level       string
			metadataRaw string
			recordedRaw string
		)
		if err := rows.Scan(&entry.LogID, &entry.OperationType, &entry.ActorID, &level, &entry.Details, &metadataRaw, &recordedRaw, &entry.RetryCount); err != nil {
			return nil, err
		}
		entry.Level = domain.LogLevel(level)
		if strings.TrimSpace(metadataRaw) == "" {
			metadataRaw = "{}"
		}
		if err := json.Unmarshal([]byte(metadataRaw), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode log metadata_json: %w", err)
		}
		entry.RecordedAt = parseTS(recordedRaw)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetDocument returns the live document.
func (r *Repository) GetDocument(ctx context.Context, resourceType, documentID string) (domain.Document, error) {
	var (
		doc        domain.Document
		bodyRaw    string
		updatedRaw string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT resource_type, document_id, body_json, updated_at, updated_by
		FROM documents
		WHERE resource_type = ? AND document_id = ?
	`, resourceType, documentID).Scan(&doc.ResourceType, &doc.DocumentID, &bodyRaw, &updatedRaw, &doc.UpdatedBy)
	if err != nil {
		return domain.Document{}, translateErr(err, nil)
	}
	body, err := domain.DecodeSnapshot([]byte(bodyRaw))
	if err != nil {
		return domain.Document{}, fmt.Errorf("decode document body_json: %w", err)
	}
	doc.Body = body
	doc.UpdatedAt = parseTS(updatedRaw)
	return doc, nil
}

// PutDocument inserts or overwrites the live document.
func (r *Repository) PutDocument(ctx context.Context, doc domain.Document) error {
	raw, err := doc.Body.Canonical()
	if err != nil {
		return fmt.Errorf("encode document body: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO documents(resource_type, document_id, body_json, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, document_id) DO UPDATE SET
			body_json = excluded.body_json,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, doc.ResourceType, doc.DocumentID, string(raw), ts(doc.UpdatedAt), doc.UpdatedBy)
	return translateErr(err, nil)
}

// DeleteDocument removes the live document.
func (r *Repository) DeleteDocument(ctx context.Context, resourceType, documentID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE resource_type = ? AND document_id = ?`, resourceType, documentID)
	if err != nil {
		return translateErr(err, nil)
	}
	return translateNoRows(res)
}

// GetActorRole returns an actor's stored role.
func (r *Repository) GetActorRole(ctx context.Context, actorID string) (domain.Role, error) {
	var role string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM actor_roles WHERE actor_id = ?`, actorID).Scan(&role)
	if err != nil {
		return "", translateErr(err, nil)
	}
	return domain.Role(role), nil
}

// SetActorRole stores or replaces an actor's role.
func (r *Repository) SetActorRole(ctx context.Context, actorID string, role domain.Role, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO actor_roles(actor_id, role, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(actor_id) DO UPDATE SET role = excluded.role, updated_at = excluded.updated_at
	`, actorID, string(role), ts(at))
	return translateErr(err, nil)
}

// scanner represents scanner data used by this package.
type scanner interface {
	Scan(dest ...any) error
}

// scanLock handles scan lock.
func scanLock(s scanner) (domain.Lock, error) {
	var (
		lock         domain.Lock
		status       string
		leaseNS      int64
		createdRaw   string
		expiresRaw   string
		heartbeatRaw string
	)
	if err := s.Scan(&lock.LockID, &lock.Token, &lock.ResourceType, &lock.DocumentID, &lock.HolderID, &status, &leaseNS, &createdRaw, &expiresRaw, &heartbeatRaw); err != nil {
		return domain.Lock{}, err
	}
	lock.Status = domain.LockStatus(status)
	lock.LeaseDuration = time.Duration(leaseNS)
	lock.CreatedAt = parseTS(createdRaw)
	lock.ExpiresAt = parseTS(expiresRaw)
	lock.LastHeartbeat = parseTS(heartbeatRaw)
	return lock, nil
}

// scanVersion handles scan version.
func scanVersion(s scanner) (domain.VersionRecord, error) {
	var (
		rec         domain.VersionRecord
		snapshotRaw string
		kind        string
		recordedRaw string
	)
	if err := s.Scan(&rec.ResourceType, &rec.DocumentID, &rec.Version, &snapshotRaw, &kind, &rec.AuthorID, &recordedRaw, &rec.Checksum); err != nil {
		return domain.VersionRecord{}, err
	}
	snapshot, err := domain.DecodeSnapshot([]byte(snapshotRaw))
	if err != nil {
		return domain.VersionRecord{}, fmt.Errorf("decode version snapshot_json: %w", err)
	}
	rec.Snapshot = snapshot
	rec.OperationKind = domain.VersionKind(kind)
	rec.RecordedAt = parseTS(recordedRaw)
	return rec, nil
}

// conflictColumns stores the JSON-encoded columns of a conflict row.
type conflictColumns struct {
	involved    string
	conflicting string
	resolution  string
}

// encodeConflict encodes the JSON columns of a conflict record.
func encodeConflict(rec domain.ConflictRecord) (conflictColumns, error) {
	involved := rec.InvolvedActorIDs
	if involved == nil {
		involved = []string{}
	}
	conflicting := rec.ConflictingVersions
	if conflicting == nil {
		conflicting = []int64{}
	}
	involvedJSON, err := json.Marshal(involved)
	if err != nil {
		return conflictColumns{}, fmt.Errorf("encode conflict actors: %w", err)
	}
	conflictingJSON, err := json.Marshal(conflicting)
	if err != nil {
		return conflictColumns{}, fmt.Errorf("encode conflict versions: %w", err)
	}
	resolutionJSON, err := json.Marshal(rec.Resolution)
	if err != nil {
		return conflictColumns{}, fmt.Errorf("encode conflict resolution: %w", err)
	}
	return conflictColumns{
		involved:    string(involvedJSON),
		conflicting: string(conflictingJSON),
		resolution:  string(resolutionJSON),
	}, nil
}

// scanConflict handles scan conflict.
func scanConflict(s scanner) (domain.ConflictRecord, error) {
	var (
		rec            domain.ConflictRecord
		kind           string
		involvedRaw    string
		conflictingRaw string
		status         string
		strategy       string
		resolutionRaw  string
		createdRaw     string
		resolvedRaw    sql.NullString
	)
	if err := s.Scan(&rec.ConflictID, &rec.ResourceType, &rec.DocumentID, &kind, &involvedRaw, &rec.BaseVersion, &conflictingRaw, &status, &strategy, &resolutionRaw, &createdRaw, &resolvedRaw); err != nil {
		return domain.ConflictRecord{}, err
	}
	if err := json.Unmarshal([]byte(involvedRaw), &rec.InvolvedActorIDs); err != nil {
		return domain.ConflictRecord{}, fmt.Errorf("decode conflict involved_json: %w", err)
	}
	if err := json.Unmarshal([]byte(conflictingRaw), &rec.ConflictingVersions); err != nil {
		return domain.ConflictRecord{}, fmt.Errorf("decode conflict conflicting_json: %w", err)
	}
	if err := json.Unmarshal([]byte(resolutionRaw), &rec.Resolution); err != nil {
		return domain.ConflictRecord{}, fmt.Errorf("decode conflict resolution_json: %w", err)
	}
	rec.Kind = domain.ConflictKind(kind)
	rec.Status = domain.ConflictStatus(status)
	rec.StrategyUsed = domain.StrategyKind(strategy)
	rec.CreatedAt = parseTS(createdRaw)
	rec.ResolvedAt = parseNullTS(resolvedRaw)
	return rec, nil
}

// conflictWhere builds predicates for conflict queries.
func conflictWhere(filter domain.ConflictFilter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, filter.ResourceType)
	}
	if filter.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	return where, args
}

// whereClause joins predicates with AND.
func whereClause(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

// limitClause renders a LIMIT suffix for positive limits.
func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// placeholders returns n comma-separated bind markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// translateErr maps driver errors onto store-level sentinels. onUnique names the
// sentinel for a unique-constraint violation.
func translateErr(err, onUnique error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return app.ErrNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"):
		return fmt.Errorf("%w: %v", domain.ErrStoreUninitialized, err)
	case onUnique != nil && (strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "primary key constraint failed")):
		return onUnique
	}
	return err
}

// translateNoRows handles translate no rows.
func translateNoRows(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return app.ErrNotFound
	}
	return nil
}

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// nullableTS handles nullable ts.
func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// parseNullTS parses input into a normalized form.
func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	ts := parseTS(v.String)
	return &ts
}
