package db

import (
	"strings"

	"github.com/teranos/patchspool/errors"
)

// ErrDatabaseClosed is returned when operations run against a closed database,
// typically a sweep racing the daemon's shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err is ErrDatabaseClosed or the driver's own
// closed-database error, which arrives unwrapped.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
