//go:build !cgo

package sqlitedrv

import (
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"
