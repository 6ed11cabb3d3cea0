// Package test holds helpers for tests that need a real encrypted database
// on disk.
package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/arbor-im/arbor/config"
	db "github.com/arbor-im/arbor/internal/db"
)

// DBCleanup wraps a TestMain run function and removes the database files the
// tests created.
func DBCleanup(run func() int) int {
	code := run()
	DeleteAll("*-journal")
	DeleteAll("test-*")
	return code
}

// DeleteAll removes every file matching glob, descending into directories.
func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			panic(err)
		}
		if info.IsDir() {
			DeleteAll(path.Join(f, "*"))
			continue
		}
		if err := os.Remove(f); err != nil {
			panic(err)
		}
	}
}

// NewTestDatabase creates and opens a database under a random test-prefixed
// path in the working directory, keyed with a fixed throwaway key.
func NewTestDatabase(c *config.Config) *db.Database {
	var suffix [8]byte
	if _, err := crypto_rand.Read(suffix[:]); err != nil {
		panic(err)
	}
	d, err := db.NewDatabase(c, fmt.Sprintf("test-%x", suffix[:]))
	if err != nil {
		panic(err)
	}
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	if err := d.Initialize(key); err != nil {
		panic(err)
	}
	if err := d.Open(key); err != nil {
		panic(err)
	}
	return d
}
