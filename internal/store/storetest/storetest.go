// Package storetest bootstraps an in-memory SQLite database mirroring the
// backend-owned schema, for store and consumer tests. Production never runs
// these migrations: the real schema is created and migrated by the backend,
// and the indexer only asserts its presence.
package storetest

import (
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/require"

	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/store"
)

// TestChainID is the chain every helper-created fixture lives on.
const TestChainID = 31337

var dbSeq atomic.Int64

const schemaSQL = `
CREATE TABLE chains (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	chain_id BIGINT NOT NULL UNIQUE,
	rpc_url TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE sync_state (
	chain_id BIGINT PRIMARY KEY REFERENCES chains(chain_id),
	last_block BIGINT NOT NULL DEFAULT 0,
	last_block_hash TEXT,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE campaigns (
	address TEXT PRIMARY KEY,
	factory_address TEXT NOT NULL,
	creator_address TEXT NOT NULL,
	goal_wei TEXT NOT NULL,
	deadline_ts BIGINT NOT NULL,
	cid TEXT,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	total_raised_wei TEXT NOT NULL DEFAULT '0',
	withdrawn BOOLEAN NOT NULL DEFAULT FALSE,
	withdrawn_amount_wei TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE contributions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	campaign_address TEXT NOT NULL REFERENCES campaigns(address),
	donor_address TEXT NOT NULL,
	contributed_wei TEXT NOT NULL DEFAULT '0',
	refunded_wei TEXT NOT NULL DEFAULT '0',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (campaign_address, donor_address)
);

CREATE TABLE events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chain_id BIGINT NOT NULL REFERENCES chains(chain_id),
	tx_hash TEXT NOT NULL,
	log_index INTEGER NOT NULL,
	block_number BIGINT NOT NULL,
	block_hash TEXT NOT NULL,
	event_name TEXT NOT NULL,
	address TEXT,
	event_data TEXT,
	removed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (chain_id, tx_hash, log_index)
);
`

// NewStore opens an in-memory SQLite database with the full schema applied
// and a chain row for TestChainID.
func NewStore(t *testing.T) *store.Store {
	t.Helper()

	// Unique per call: a test opening two stores must not share one
	// in-memory database through the shared cache.
	name := fmt.Sprintf("%s_%d", strings.ReplaceAll(t.Name(), "/", "_"), dbSeq.Add(1))
	db, err := sql.Open("sqlite3", "file:"+name+"?mode=memory&cache=shared&_foreign_keys=on")
	require.NoError(t, err)
	// A second connection to a :memory: database would see an empty schema.
	db.SetMaxOpenConns(1)

	migrations := &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "0001_schema",
				Up: []string{schemaSQL},
			},
		},
	}
	_, err = migrate.Exec(db, "sqlite3", migrations, migrate.Up)
	require.NoError(t, err)

	_, err = db.Exec("INSERT INTO chains (name, chain_id, rpc_url) VALUES ('testchain', ?, 'http://127.0.0.1:8545')",
		TestChainID)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return store.NewStore(db, "sqlite3", logger.NewNopLogger())
}
