package staffdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE staff_point(
			id INTEGER PRIMARY KEY,
			point_id TEXT NOT NULL,
			staff_id TEXT NOT NULL,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			department TEXT NOT NULL,
			angle TEXT NOT NULL,
			coarse TEXT NOT NULL,
			precise TEXT,
			created_at INT NOT NULL
		);

		CREATE UNIQUE INDEX idx_staff_point_point_id ON staff_point (point_id);
		CREATE INDEX idx_staff_point_staff_id ON staff_point (staff_id);
	`))

	return migs
}
