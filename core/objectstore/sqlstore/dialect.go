package sqlstore

import (
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// dialect captures the few differences between the supported databases.
type dialect struct {
	name       string
	driver     string
	blobType   string
	dollarArgs bool
	// maxOpenConns of 0 leaves the pool unbounded.
	maxOpenConns int
}

var (
	sqliteDialect = dialect{
		name:         "sqlite",
		driver:       "sqlite",
		blobType:     "BLOB",
		maxOpenConns: 1,
	}
	postgresDialect = dialect{
		name:       "postgres",
		driver:     "pgx",
		blobType:   "BYTEA",
		dollarArgs: true,
	}
)

// rebind rewrites '?' placeholders into the dialect's form.
func (d dialect) rebind(query string) string {
	if !d.dollarArgs {
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

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS objects (
			app_id BIGINT NOT NULL,
			object_id BIGINT NOT NULL,
			data ` + d.blobType + ` NOT NULL,
			PRIMARY KEY (app_id, object_id)
		)`,
		`CREATE TABLE IF NOT EXISTS names (
			app_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			object_id BIGINT NOT NULL,
			PRIMARY KEY (app_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			app_id BIGINT PRIMARY KEY,
			last_id BIGINT NOT NULL
		)`,
	}
}
