package commands

import (
	"database/sql"

	"github.com/lukinterlab/idealimage-ru-sub001/db"
	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// openDatabase opens and migrates the database at dbPath
func openDatabase(dbPath string) (*sql.DB, error) {
	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
