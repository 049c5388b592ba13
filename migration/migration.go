// This package defines named schema migrations which are applied in order by the database migrator.
package migration

import (
	"database/sql"
	"fmt"
)

type Func func(*sql.Tx) error

type Migration struct {
	Name string
	Func Func
}

func (m *Migration) String() string {
	return fmt.Sprintf("migration: %s", m.Name)
}

// Exec returns a migration which runs the statements as a single Exec.
func Exec(name, statements string) *Migration {
	return &Migration{
		Name: name,
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(statements)
			return err
		},
	}
}
