package alerts

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
		CREATE TABLE alert(
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			subject TEXT NOT NULL,
			time INT NOT NULL,
			snapshot TEXT NOT NULL DEFAULT '',
			zone TEXT NOT NULL DEFAULT '',
			vehicle_type TEXT NOT NULL DEFAULT '',
			participants TEXT,
			details TEXT,
			acknowledged BOOLEAN NOT NULL DEFAULT 0
		);

		CREATE INDEX idx_alert_time ON alert (time);
	`))

	return migs
}
