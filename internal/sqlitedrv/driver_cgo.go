//go:build cgo

package sqlitedrv

import (
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"
