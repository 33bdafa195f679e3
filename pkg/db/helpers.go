package db

import (
	"github.com/jackc/pgx/v5"
)

type rowScanner func(rows pgx.Rows) error

// ScanOnce scans a single row into dest, a query with no rows gives pgx.ErrNoRows.
func ScanOnce(dest ...any) rowScanner {
	var scanner rowScanner

	if len(dest) > 0 {
		scanner = func(rows pgx.Rows) error {
			return rows.Scan(dest...)
		}
	}

	return scanner
}

type ScanArgs []any

// ScanAll appends a new object to objs for every row.
func ScanAll[T any](objs *[]*T, getArgs func(obj *T) ScanArgs) rowScanner {
	return func(rows pgx.Rows) error {
		var obj = new(T)

		if err := rows.Scan(getArgs(obj)...); err != nil {
			return err
		}

		*objs = append(*objs, obj)

		return nil
	}
}

// ScanValues is ScanAll for slices of values.
func ScanValues[T any](objs *[]T, getArgs func(obj *T) ScanArgs) rowScanner {
	return func(rows pgx.Rows) error {
		var obj T

		if err := rows.Scan(getArgs(&obj)...); err != nil {
			return err
		}

		*objs = append(*objs, obj)

		return nil
	}
}
