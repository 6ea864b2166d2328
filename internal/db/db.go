// Package db opens the worker's MySQL connection via GORM, matching the
// driver the teacher's go.mod already carries (gorm.io/driver/mysql).
package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Connect opens a GORM handle against dsn, terminating the process on
// failure the same way the teacher's cmd/worker/main.go does for every
// other unrecoverable startup error.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	return gdb
}
