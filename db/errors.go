package db

import (
	"database/sql"
	"strings"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// ErrDatabaseClosed marks work attempted after shutdown closed the database
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err comes from a closed database, either
// ErrDatabaseClosed or the driver's own sql.ErrConnDone/"database is closed".
// Background loops use it to exit quietly during shutdown.
func IsDatabaseClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDatabaseClosed), errors.Is(err, sql.ErrConnDone):
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
