package database

import (
	"context"
	stdsql "database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient creates a test database client inline, applying the
// embedded migrations directly rather than going through test/database,
// which itself imports this package (would be a cycle).
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, ApplyMigrations(db, "test"))

	client := NewClientFromSQLX(sqlx.NewDb(db, "pgx"))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDatabaseClient_ConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.DB.PingContext(ctx))

	health, err := Health(ctx, client.DB.DB)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestFullTextSearch(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	var agentID, sessionID string
	require.NoError(t, client.DB.GetContext(ctx, &agentID, `
		INSERT INTO agents (name, slug, role) VALUES ('fts-agent', 'fts-agent', 'executor') RETURNING id
	`))
	require.NoError(t, client.DB.GetContext(ctx, &sessionID, `
		INSERT INTO sessions (agent_id, user_account) VALUES ($1, 'tester') RETURNING id
	`, agentID))

	var msg1ID, msg2ID string
	require.NoError(t, client.DB.GetContext(ctx, &msg1ID, `
		INSERT INTO session_messages (session_id, role, content) VALUES ($1, 'assistant', $2) RETURNING id
	`, sessionID, "Critical error in production cluster with pod failures"))
	require.NoError(t, client.DB.GetContext(ctx, &msg2ID, `
		INSERT INTO session_messages (session_id, role, content) VALUES ($1, 'assistant', $2) RETURNING id
	`, sessionID, "Warning: high memory usage detected"))

	var results []string
	err := client.DB.SelectContext(ctx, &results, `
		SELECT id FROM session_messages
		WHERE to_tsvector('english', content) @@ to_tsquery('english', $1)
	`, "error & production")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{msg1ID}, results)

	var results2 []string
	err = client.DB.SelectContext(ctx, &results2, `
		SELECT id FROM session_messages
		WHERE to_tsvector('english', content) @@ to_tsquery('english', $1)
	`, "memory")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{msg2ID}, results2)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Host:         "localhost",
				Port:         5432,
				User:         "test",
				Password:     "test",
				Database:     "test",
				SSLMode:      "disable",
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
			wantErr: false,
		},
		{
			name: "missing password",
			cfg: Config{
				Host:         "localhost",
				Port:         5432,
				User:         "test",
				Password:     "",
				Database:     "test",
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
			wantErr: true,
		},
		{
			name: "idle conns exceed max conns",
			cfg: Config{
				Host:         "localhost",
				Port:         5432,
				User:         "test",
				Password:     "test",
				Database:     "test",
				MaxOpenConns: 5,
				MaxIdleConns: 10,
			},
			wantErr: true,
		},
		{
			name: "zero max open conns",
			cfg: Config{
				Host:         "localhost",
				Port:         5432,
				User:         "test",
				Password:     "test",
				Database:     "test",
				MaxOpenConns: 0,
				MaxIdleConns: 0,
			},
			wantErr: true,
		},
		{
			name: "negative idle conns",
			cfg: Config{
				Host:         "localhost",
				Port:         5432,
				User:         "test",
				Password:     "test",
				Database:     "test",
				MaxOpenConns: 10,
				MaxIdleConns: -1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
