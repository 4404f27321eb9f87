package store

import (
	"fmt"
	"net/url"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"
)

// DefaultDatabaseName is substituted when a remote backend's descriptor
// carries no database name and the caller supplied none either.
const DefaultDatabaseName = "engram"

// NormalizePostgresDSN parses a postgres://-style connection descriptor and
// ensures it names a database: if database is non-empty and the descriptor
// has no path, it is appended with a leading "/"; if the descriptor already
// carries a database, the override is ignored. An empty result database
// falls back to DefaultDatabaseName.
func NormalizePostgresDSN(dsn, database string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", InvalidInput(fmt.Sprintf("parse postgres dsn: %s", err))
	}

	existing := strings.Trim(u.Path, "/")
	if existing == "" {
		if database == "" {
			database = DefaultDatabaseName
		}
		u.Path = "/" + database
	}
	return u.String(), nil
}

// PostgresDatabaseName extracts the database name a normalized postgres DSN
// targets, for use when connecting to the admin database to create it.
func PostgresDatabaseName(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", InvalidInput(fmt.Sprintf("parse postgres dsn: %s", err))
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return DefaultDatabaseName, nil
	}
	return name, nil
}

// AdminPostgresDSN returns dsn with its database swapped for the
// conventional "postgres" admin database, used once at open time to create
// the target database if it does not exist.
func AdminPostgresDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", InvalidInput(fmt.Sprintf("parse postgres dsn: %s", err))
	}
	u.Path = "/postgres"
	return u.String(), nil
}

// NormalizeMySQLDSN parses a go-sql-driver/mysql DSN and ensures it names a
// database following the same override rule as NormalizePostgresDSN.
func NormalizeMySQLDSN(dsn, database string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", InvalidInput(fmt.Sprintf("parse mysql dsn: %s", err))
	}
	if cfg.DBName == "" {
		if database == "" {
			database = DefaultDatabaseName
		}
		cfg.DBName = database
	}
	return cfg.FormatDSN(), nil
}

// MySQLDatabaseName extracts the database name a normalized mysql DSN
// targets.
func MySQLDatabaseName(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", InvalidInput(fmt.Sprintf("parse mysql dsn: %s", err))
	}
	if cfg.DBName == "" {
		return DefaultDatabaseName, nil
	}
	return cfg.DBName, nil
}

// AdminMySQLDSN returns dsn with its database name cleared, so the resulting
// connection can issue CREATE DATABASE IF NOT EXISTS before connecting to
// the target database.
func AdminMySQLDSN(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", InvalidInput(fmt.Sprintf("parse mysql dsn: %s", err))
	}
	cfg.DBName = ""
	return cfg.FormatDSN(), nil
}

// QuoteIdent double-quotes a SQL identifier (postgres/sqlite style),
// doubling any embedded double-quote characters so the identifier cannot
// break out of its quoting when composed into DDL from external input.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteMySQLIdent backtick-quotes a SQL identifier for MySQL, doubling any
// embedded backtick characters for the same reason as QuoteIdent.
func QuoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
