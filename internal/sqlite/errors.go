package sqlite

import (
	"errors"
	"fmt"

	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ospy/ospy/internal/repository"
)

// constraintError maps a constraint violation to its repository error,
// keeping the driver message so the violated constraint is named. It returns
// nil for any other error.
func constraintError(err error) error {
	var driverErr *sqlitedriver.Error
	if !errors.As(err, &driverErr) {
		return nil
	}
	switch driverErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return fmt.Errorf("%w: %s", repository.ErrAlreadyExists, driverErr.Error())
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %s", repository.ErrNotFound, driverErr.Error())
	}
	return nil
}
