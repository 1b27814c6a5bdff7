package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"KernelDeck/pkg/types"
	"KernelDeck/tuner"

	_ "github.com/mattn/go-sqlite3"
)

// ========================================
// HistoryStore - SQLite 调优记录
// ========================================

// HistoryStore 保存每次 apply 的结果和日志, 供 UI 和 MCP 查询
type HistoryStore struct {
	db     *sql.DB
	dbPath string

	mu         sync.Mutex
	stmtInsert *sql.Stmt
}

const historySchemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;

CREATE TABLE IF NOT EXISTS applies (
    id TEXT PRIMARY KEY,
    key TEXT NOT NULL,
    label TEXT NOT NULL,
    success INTEGER NOT NULL,
    kind TEXT DEFAULT '',
    message TEXT DEFAULT '',
    started_at INTEGER NOT NULL,
    duration_ms INTEGER DEFAULT 0,
    lines TEXT DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_applies_time ON applies(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_applies_key ON applies(key, started_at DESC);
`

// NewHistoryStore 在 dataDir 下打开 history.db
func NewHistoryStore(dataDir string) (*HistoryStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "history.db")
	return openHistoryStore(dbPath, dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
}

func openHistoryStore(dbPath, dsn string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite 单写入; 内存库也只能有一个连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(historySchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT OR REPLACE INTO applies (
			id, key, label, success, kind, message, started_at, duration_ms, lines
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert apply: %w", err)
	}

	return &HistoryStore{db: db, dbPath: dbPath, stmtInsert: stmt}, nil
}

// Record 写入一条 apply 记录
func (s *HistoryStore) Record(r types.ApplyRecord) error {
	lines := r.Lines
	if lines == nil {
		lines = []string{}
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stmtInsert == nil {
		return fmt.Errorf("history store closed")
	}
	_, err = s.stmtInsert.Exec(
		r.ID, r.Key, r.Label, boolToInt(r.Success), r.Kind, r.Message,
		r.StartedAt, r.DurationMs, string(linesJSON),
	)
	if err != nil {
		return fmt.Errorf("insert apply %s: %w", r.ID, err)
	}
	return nil
}

// List 按时间倒序返回最近的记录, key 为空时返回全部资源
func (s *HistoryStore) List(limit int, key string) ([]types.ApplyRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, key, label, success, kind, message, started_at, duration_ms, lines FROM applies`
	args := []interface{}{}
	if key != "" {
		query += ` WHERE key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applies: %w", err)
	}
	defer rows.Close()

	records := make([]types.ApplyRecord, 0)
	for rows.Next() {
		var (
			r         types.ApplyRecord
			success   int
			linesJSON string
		)
		if err := rows.Scan(&r.ID, &r.Key, &r.Label, &success, &r.Kind, &r.Message, &r.StartedAt, &r.DurationMs, &linesJSON); err != nil {
			return nil, fmt.Errorf("scan apply: %w", err)
		}
		r.Success = success != 0
		if linesJSON != "" && linesJSON != "[]" {
			_ = json.Unmarshal([]byte(linesJSON), &r.Lines)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// FailureCounts 统计 since 之后每种错误类型的失败次数
func (s *HistoryStore) FailureCounts(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT kind, COUNT(*) FROM applies
		WHERE success = 0 AND started_at >= ?
		GROUP BY kind
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Cleanup 删除早于 maxAge 的记录
func (s *HistoryStore) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := s.db.Exec(`DELETE FROM applies WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// Close 关闭存储
func (s *HistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stmtInsert != nil {
		s.stmtInsert.Close()
		s.stmtInsert = nil
	}
	return s.db.Close()
}

// applyRecord 把管道结果转换成持久化 / MCP 使用的形式
func applyRecord(r tuner.ApplyResult) types.ApplyRecord {
	return types.ApplyRecord{
		ID:         r.ID,
		Key:        r.Key,
		Label:      r.Label,
		Success:    r.Success,
		Kind:       string(r.Kind),
		Message:    r.Message,
		StartedAt:  r.StartedAt.UnixMilli(),
		DurationMs: r.Duration.Milliseconds(),
		Lines:      r.Lines,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
