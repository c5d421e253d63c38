package database

import (
	"testing"

	"github.com/codeready-toolchain/agentctl/pkg/database"
	"github.com/codeready-toolchain/agentctl/test/util"
	"github.com/jmoiron/sqlx"
)

// NewTestClient creates a test database client against a per-test schema in
// the shared testcontainer (see test/util.SetupTestDatabase), with embedded
// migrations already applied. The underlying connection/schema is
// automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	db := util.SetupTestDatabase(t)
	return database.NewClientFromSQLX(sqlx.NewDb(db, "pgx"))
}
