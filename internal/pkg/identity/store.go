package identity

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store 持久化 email → 本地用户名 映射, 单文件 sqlite.
// 写入后映射不可更新, 只能显式删除; 并发读安全, 写由单连接串行化.
type Store struct {
	db *sql.DB
}

// OpenStore 打开(必要时创建)映射库. WAL 与 busy_timeout 保证 agent 两个周期并发访问时的可预期行为.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure identity store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure identity store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS mappings (
		email TEXT PRIMARY KEY,
		username TEXT NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init identity store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get 查询映射, 第二个返回值表示是否命中.
func (s *Store) Get(ctx context.Context, email string) (string, bool, error) {
	var username string
	err := s.db.QueryRowContext(ctx, `SELECT username FROM mappings WHERE email = ?`, email).Scan(&username)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("identity store get: %w", err)
	}
	return username, true, nil
}

// Put 写入映射. 已存在的行保持不变(映射一旦写入即不可变).
func (s *Store) Put(ctx context.Context, email, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mappings (email, username) VALUES (?, ?) ON CONFLICT(email) DO NOTHING`,
		email, username)
	if err != nil {
		return fmt.Errorf("identity store put: %w", err)
	}
	return nil
}

// Delete 删除映射, 不存在时静默成功.
func (s *Store) Delete(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mappings WHERE email = ?`, email)
	if err != nil {
		return fmt.Errorf("identity store delete: %w", err)
	}
	return nil
}
