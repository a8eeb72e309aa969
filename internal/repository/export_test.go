package repository

import "database/sql"

// IntegrationDB exposes the migrated container database to the external
// test package.
func IntegrationDB() *sql.DB { return testDB }
