// Package sqlstore persists audit records in a relational database. MySQL,
// SQLite and PostgreSQL share one schema; dialects only differ in driver,
// placeholder style and duplicate-key detection.
package sqlstore
