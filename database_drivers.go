//go:build !test

// This file wires in the SQL drivers for production builds so their init
// functions register before the ledger opens a connection.
package main

import "orbit-oracle/pkg/database/drivers"

func init() {
	drivers.Ready()
}
