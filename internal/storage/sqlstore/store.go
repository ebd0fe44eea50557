package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"OpenACP-Core/internal/audit"
	xerrors "OpenACP-Core/internal/errors"
)

// Config 描述 SQL 审计后端的连接参数。
type Config struct {
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store 把审计记录保存在 audit_records 表中。
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open 建立连接并执行迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect, err := DialectByName(cfg.Dialect)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, dialect.Name+" DSN 不能为空")
	}
	if dialect.Name == SQLite.Name {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 SQLite 目录失败")
		}
	}

	db, err := sql.Open(dialect.Driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 "+dialect.Name+" 失败")
	}
	switch {
	case dialect.Name == SQLite.Name:
		// SQLite 只允许单个写连接
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 "+dialect.Name)
	}

	store := &Store{db: db, dialect: dialect}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化审计表失败")
	}
	return store, nil
}

// Close 释放连接池。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect 返回当前方言。
func (s *Store) Dialect() Dialect { return s.dialect }

// StoreRecord 实现 audit.Backend 接口。
func (s *Store) StoreRecord(ctx context.Context, rec audit.Record) error {
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 inputs 失败")
	}
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 outputs 失败")
	}
	stmt := s.dialect.Rebind(`INSERT INTO audit_records
        (audit_id, recorded_at, agent_id, decision_type, inputs, outputs, reasoning)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, stmt,
		rec.AuditID,
		rec.Timestamp.UTC().UnixNano(),
		rec.AgentID,
		rec.DecisionType,
		string(inputs),
		string(outputs),
		rec.Reasoning,
	)
	if err != nil {
		if s.dialect.IsDuplicate(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("audit_id %d 已存在", rec.AuditID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	return nil
}

// QueryRecords 在数据库中过滤结构化字段，payload 条件在内存中匹配。
func (s *Store) QueryRecords(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	var (
		clauses []string
		args    []any
	)
	if q.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.DecisionType != "" {
		clauses = append(clauses, "decision_type = ?")
		args = append(args, q.DecisionType)
	}
	if q.Range != nil && !q.Range.Start.IsZero() {
		clauses = append(clauses, "recorded_at >= ?")
		args = append(args, q.Range.Start.UTC().UnixNano())
	}
	if q.Range != nil && !q.Range.End.IsZero() {
		clauses = append(clauses, "recorded_at <= ?")
		args = append(args, q.Range.End.UTC().UnixNano())
	}

	query := `SELECT audit_id, recorded_at, agent_id, decision_type, inputs, outputs, reasoning FROM audit_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY audit_id ASC"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	defer rows.Close()

	records := make([]audit.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if len(q.Criteria) > 0 && !q.Matches(rec) {
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计记录失败")
	}
	return records, nil
}

// ExportRecords 实现 audit.Backend 接口。
func (s *Store) ExportRecords(ctx context.Context, format string, r *audit.TimeRange) ([]byte, error) {
	records, err := s.QueryRecords(ctx, audit.Query{Range: r})
	if err != nil {
		return nil, err
	}
	return audit.Encode(format, records)
}

// LastAuditID 实现 audit.Sequencer 接口。
func (s *Store) LastAuditID(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(audit_id) FROM audit_records`).Scan(&last); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询最大 audit_id 失败")
	}
	return last.Int64, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (audit.Record, error) {
	var (
		rec        audit.Record
		recordedAt int64
		inputs     string
		outputs    string
		reasoning  sql.NullString
	)
	if err := row.Scan(&rec.AuditID, &recordedAt, &rec.AgentID, &rec.DecisionType, &inputs, &outputs, &reasoning); err != nil {
		return audit.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
	}
	rec.Timestamp = time.Unix(0, recordedAt).UTC()
	rec.Reasoning = reasoning.String
	if err := json.Unmarshal([]byte(inputs), &rec.Inputs); err != nil {
		return audit.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 inputs 失败")
	}
	if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
		return audit.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 outputs 失败")
	}
	return rec, nil
}

var (
	_ audit.Backend   = (*Store)(nil)
	_ audit.Sequencer = (*Store)(nil)
)
