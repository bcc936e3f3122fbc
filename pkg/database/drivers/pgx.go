package drivers

import (
	// Registers the "pgx" database/sql driver used for PostgreSQL ledgers.
	_ "github.com/jackc/pgx/v5/stdlib"
)
