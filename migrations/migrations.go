// Package migrations embeds the SQL migration files applied by cmd/migrate
// and by test bootstrapping (testutil.SetupTestDB) via bun's migrate.Migrator.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var rawFS embed.FS

// FS holds the embedded *.up.sql / *.down.sql migration files, rooted so
// that bun's migrate.Migrations.Discover sees them directly (it walks the
// given fs.FS from its root looking for "<version>_<name>.(up|down).sql").
var FS fs.FS = must(fs.Sub(rawFS, "sql"))

func must(f fs.FS, err error) fs.FS {
	if err != nil {
		panic(err)
	}
	return f
}
