package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/receipt"
)

var (
	// ErrReceiptNotFound is returned when no receipt has the requested ID.
	ErrReceiptNotFound = xerrors.New(xerrors.CodeNotFound, "receipt not found")
	// ErrReceiptExists is returned when a receipt ID is saved twice.
	ErrReceiptExists = xerrors.New(xerrors.CodeConflict, "receipt already exists")
	// ErrUnsupportedDriver is returned for an unknown storage driver name.
	ErrUnsupportedDriver = xerrors.New(xerrors.CodeConfigInvalid, "unsupported receipt storage driver")
)

// ReceiptRepository stores issued receipts. Receipts are immutable apart from
// their chain reference.
type ReceiptRepository interface {
	Save(ctx context.Context, r *receipt.Receipt) error
	Get(ctx context.Context, id string) (*receipt.Receipt, error)
	FindByPackageHash(ctx context.Context, hash string) ([]*receipt.Receipt, error)
	UpdateChainReference(ctx context.Context, id string, ref receipt.ChainReference) (*receipt.Receipt, error)
	ListLatest(ctx context.Context, limit int) ([]*receipt.Receipt, error)
	Close() error
}

// MemoryReceiptRepository keeps receipts in memory and, when a path is set,
// appends every write to a JSON-lines log that is replayed on open.
type MemoryReceiptRepository struct {
	mu       sync.RWMutex
	path     string
	receipts map[string]*receipt.Receipt
	order    []string
}

// NewMemoryReceiptRepository opens the repository. An empty path keeps
// receipts in memory only.
func NewMemoryReceiptRepository(path string) (*MemoryReceiptRepository, error) {
	repo := &MemoryReceiptRepository{path: path, receipts: make(map[string]*receipt.Receipt)}
	if path == "" {
		return repo, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create receipt directory")
	}
	if err := repo.replay(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (m *MemoryReceiptRepository) replay() error {
	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "open receipt log")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 32<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var r receipt.Receipt
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("decode receipt log line %d", line))
		}
		if _, ok := m.receipts[r.ReceiptID]; !ok {
			m.order = append(m.order, r.ReceiptID)
		}
		m.receipts[r.ReceiptID] = &r
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read receipt log")
	}
	return nil
}

func (m *MemoryReceiptRepository) appendLog(r *receipt.Receipt) error {
	if m.path == "" {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode receipt")
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "open receipt log")
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "append receipt log")
	}
	return nil
}

// Save implements ReceiptRepository.
func (m *MemoryReceiptRepository) Save(_ context.Context, r *receipt.Receipt) error {
	if r == nil || strings.TrimSpace(r.ReceiptID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "receipt id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ReceiptID]; ok {
		return ErrReceiptExists
	}
	stored := r.Clone()
	if err := m.appendLog(stored); err != nil {
		return err
	}
	m.receipts[stored.ReceiptID] = stored
	m.order = append(m.order, stored.ReceiptID)
	return nil
}

// Get implements ReceiptRepository.
func (m *MemoryReceiptRepository) Get(_ context.Context, id string) (*receipt.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return r.Clone(), nil
}

// FindByPackageHash implements ReceiptRepository. Digests compare case
// insensitively; results are ordered by creation time.
func (m *MemoryReceiptRepository) FindByPackageHash(_ context.Context, hash string) ([]*receipt.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*receipt.Receipt
	for _, id := range m.order {
		r := m.receipts[id]
		if receipt.EqualDigests(r.PackageHash, hash) {
			out = append(out, r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateChainReference implements ReceiptRepository.
func (m *MemoryReceiptRepository) UpdateChainReference(_ context.Context, id string, ref receipt.ChainReference) (*receipt.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	updated := current.Clone()
	if err := updated.ApplyChainReference(ref); err != nil {
		return nil, err
	}
	if err := m.appendLog(updated); err != nil {
		return nil, err
	}
	m.receipts[id] = updated
	return updated.Clone(), nil
}

// ListLatest implements ReceiptRepository.
func (m *MemoryReceiptRepository) ListLatest(_ context.Context, limit int) ([]*receipt.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*receipt.Receipt, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.receipts[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements ReceiptRepository.
func (m *MemoryReceiptRepository) Close() error { return nil }

// SQLReceiptRepository stores receipts in the receipts table. The full
// receipt is kept as a JSON document next to the indexed columns.
type SQLReceiptRepository struct {
	db *sql.DB
}

// NewSQLReceiptRepository connects, migrates and returns the repository.
func NewSQLReceiptRepository(ctx context.Context, cfg Config) (*SQLReceiptRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLReceiptRepository{db: db}, nil
}

// NewSQLReceiptRepositoryWithDB wraps an existing, already migrated pool.
func NewSQLReceiptRepositoryWithDB(db *sql.DB) *SQLReceiptRepository {
	return &SQLReceiptRepository{db: db}
}

// Save implements ReceiptRepository.
func (s *SQLReceiptRepository) Save(ctx context.Context, r *receipt.Receipt) error {
	if r == nil || strings.TrimSpace(r.ReceiptID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "receipt id must not be empty")
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode receipt")
	}
	const stmt = `INSERT INTO receipts (receipt_id, package_hash, hash_algorithm, chain_status, created_at, document)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		r.ReceiptID,
		strings.ToLower(r.PackageHash),
		string(r.HashAlgorithm),
		chainStatus(r),
		r.CreatedAt.UnixMicro(),
		string(doc),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrReceiptExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert receipt")
	}
	return nil
}

// Get implements ReceiptRepository.
func (s *SQLReceiptRepository) Get(ctx context.Context, id string) (*receipt.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT document FROM receipts WHERE receipt_id = ?`, id)
	return scanReceipt(row)
}

// FindByPackageHash implements ReceiptRepository.
func (s *SQLReceiptRepository) FindByPackageHash(ctx context.Context, hash string) ([]*receipt.Receipt, error) {
	const stmt = `SELECT document FROM receipts WHERE package_hash = ? ORDER BY created_at ASC, receipt_id ASC`
	return s.queryReceipts(ctx, stmt, strings.ToLower(hash))
}

// ListLatest implements ReceiptRepository.
func (s *SQLReceiptRepository) ListLatest(ctx context.Context, limit int) ([]*receipt.Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	const stmt = `SELECT document FROM receipts ORDER BY created_at DESC, receipt_id DESC LIMIT ?`
	return s.queryReceipts(ctx, stmt, limit)
}

// UpdateChainReference locks the row, applies the transition in Go and
// writes the document back in the same transaction.
func (s *SQLReceiptRepository) UpdateChainReference(ctx context.Context, id string, ref receipt.ChainReference) (*receipt.Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin chain reference update")
	}
	row := tx.QueryRowContext(ctx, `SELECT document FROM receipts WHERE receipt_id = ? FOR UPDATE`, id)
	r, err := scanReceipt(row)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := r.ApplyChainReference(ref); err != nil {
		tx.Rollback()
		return nil, err
	}
	doc, err := json.Marshal(r)
	if err != nil {
		tx.Rollback()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode receipt")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE receipts SET chain_status = ?, document = ? WHERE receipt_id = ?`,
		chainStatus(r), string(doc), id); err != nil {
		tx.Rollback()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "update chain reference")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit chain reference update")
	}
	return r, nil
}

// Close implements ReceiptRepository.
func (s *SQLReceiptRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLReceiptRepository) queryReceipts(ctx context.Context, stmt string, args ...any) ([]*receipt.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query receipts")
	}
	defer rows.Close()

	var out []*receipt.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate receipts")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*receipt.Receipt, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrReceiptNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan receipt")
	}
	var r receipt.Receipt
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode receipt document")
	}
	return &r, nil
}

func chainStatus(r *receipt.Receipt) string {
	if r.ChainReference == nil {
		return ""
	}
	return string(r.ChainReference.Status)
}
