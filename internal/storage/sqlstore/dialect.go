package sqlstore

import (
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect 描述不同数据库之间的差异。
type Dialect struct {
	Name   string
	Driver string
	// Numbered 为 true 时占位符写作 $1、$2。
	Numbered    bool
	isDuplicate func(error) bool
}

var (
	// MySQL 使用 go-sql-driver/mysql。
	MySQL = Dialect{
		Name:   "mysql",
		Driver: "mysql",
		isDuplicate: func(err error) bool {
			var mysqlErr *mysql.MySQLError
			return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
	}
	// SQLite 使用纯 Go 实现的 modernc.org/sqlite。
	SQLite = Dialect{
		Name:   "sqlite",
		Driver: "sqlite",
		isDuplicate: func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
		},
	}
	// Postgres 通过 pgx 的 database/sql 适配层访问。
	Postgres = Dialect{
		Name:     "postgres",
		Driver:   "pgx",
		Numbered: true,
		isDuplicate: func(err error) bool {
			var pgErr *pgconn.PgError
			return stdErrors.As(err, &pgErr) && pgErr.Code == "23505"
		},
	}
)

// DialectByName 根据配置名称返回方言。
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("不支持的数据库方言: %s", name)
	}
}

// Rebind 把 ? 占位符改写为当前方言的形式。
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsDuplicate 判断错误是否为主键冲突。
func (d Dialect) IsDuplicate(err error) bool {
	if d.isDuplicate == nil {
		return false
	}
	return d.isDuplicate(err)
}
