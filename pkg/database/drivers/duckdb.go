//go:build cgo && duckdb && linux && (amd64 || arm64)

// DuckDB driver is only enabled for Linux builds so cross compilation stays predictable.
// Requires build tag: -tags duckdb and CGO enabled on Linux.
// Build examples:
//
//	CGO_ENABLED=1 GOOS=linux GOARCH=amd64 go build -tags duckdb
//	go build -tags duckdb -o orbit-oracle
package drivers

import (
	_ "github.com/marcboeker/go-duckdb"
)
