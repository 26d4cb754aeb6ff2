// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite   = "sqlite3"
	Postgres = "pgx"
)

// IsPostgres returns true if the driver name is the PostgreSQL (pgx) driver.
func IsPostgres(driver string) bool {
	return driver == Postgres
}

// AutoIncrementPK returns the dialect-specific column definition for a
// monotonically increasing integer primary key.
func AutoIncrementPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// NowFunc returns the dialect-specific SQL expression for the current
// timestamp, used only in raw DDL/backfill statements.
func NowFunc(driver string) string {
	if IsPostgres(driver) {
		return "now()"
	}
	return "CURRENT_TIMESTAMP"
}
