package database

import (
	"context"
	"embed"

	"github.com/jackc/pgtype/pgxtype"

	commondb "github.com/G-Research/bookdist/internal/common/database"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrate brings the audit schema up to date.
func Migrate(ctx context.Context, db pgxtype.Querier) error {
	migrations, err := commondb.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	return commondb.UpdateDatabase(ctx, db, migrations)
}
