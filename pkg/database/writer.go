// Package database stores feature tables in PostgreSQL and resolves peer ASNs to countries.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hervehildenbrand/bgp-features/pkg/aggregate"
	"github.com/hervehildenbrand/bgp-features/pkg/sink"
	_ "github.com/lib/pq"
)

const (
	batchSize    = 500
	featureTable = "bgp_features"
)

// FeatureWriter writes feature tables to PostgreSQL in batched transactions.
// Rows are upserted on (day, scope, keyspace, key), so re-running a day with
// the same filter replaces it.
type FeatureWriter struct {
	db       *sql.DB
	resolver CountryResolver

	// Stats
	rowsWritten    uint64
	batchesWritten uint64
}

// NewFeatureWriter connects to PostgreSQL.
func NewFeatureWriter(databaseURL string, resolver CountryResolver) (*FeatureWriter, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[postgres] Connected to PostgreSQL database")
	return NewFeatureWriterWithDB(db, resolver), nil
}

// NewFeatureWriterWithDB creates a writer on an open database handle.
func NewFeatureWriterWithDB(db *sql.DB, resolver CountryResolver) *FeatureWriter {
	if resolver == nil {
		resolver = NewNullResolver()
	}
	return &FeatureWriter{db: db, resolver: resolver}
}

// SetResolver replaces the country resolver. It must not be called during Write.
func (w *FeatureWriter) SetResolver(resolver CountryResolver) {
	if resolver == nil {
		resolver = NewNullResolver()
	}
	w.resolver = resolver
}

// DB returns the underlying handle.
func (w *FeatureWriter) DB() *sql.DB {
	return w.db
}

// Name implements sink.Sink.
func (w *FeatureWriter) Name() string {
	return "postgres"
}

// EnsureSchema creates the feature table if it does not exist.
func (w *FeatureWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, createTableSQL()); err != nil {
		return fmt.Errorf("create %s: %w", featureTable, err)
	}
	return nil
}

// Close closes the database.
func (w *FeatureWriter) Close() error {
	log.Printf("[postgres] Feature writer stopped (rows=%d, batches=%d)",
		atomic.LoadUint64(&w.rowsWritten), atomic.LoadUint64(&w.batchesWritten))
	return w.db.Close()
}

// Stats returns writer statistics.
func (w *FeatureWriter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"rows_written":    atomic.LoadUint64(&w.rowsWritten),
		"batches_written": atomic.LoadUint64(&w.batchesWritten),
	}
}

// Write implements sink.Sink.
func (w *FeatureWriter) Write(ctx context.Context, meta sink.TableMeta, table *aggregate.Table) error {
	query := upsertSQL()
	for start := 0; start < len(table.Rows); start += batchSize {
		end := start + batchSize
		if end > len(table.Rows) {
			end = len(table.Rows)
		}
		if err := w.writeBatch(ctx, query, meta, table.Keyspace, table.Rows[start:end]); err != nil {
			return err
		}
	}
	log.Printf("[postgres] Wrote %d %s rows for %s", len(table.Rows), table.Keyspace, meta.DayString())
	return nil
}

func (w *FeatureWriter) writeBatch(ctx context.Context, query string, meta sink.TableMeta, keyspace string, rows []aggregate.FeatureRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		if _, err := stmt.ExecContext(ctx, w.rowArgs(meta, keyspace, &rows[i])...); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", keyspace, rows[i].Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	atomic.AddUint64(&w.rowsWritten, uint64(len(rows)))
	atomic.AddUint64(&w.batchesWritten, 1)
	return nil
}

// rowArgs returns the arguments of upsertSQL for one row.
func (w *FeatureWriter) rowArgs(meta sink.TableMeta, keyspace string, row *aggregate.FeatureRow) []interface{} {
	country := ""
	if asn, ok := peerASN(keyspace, row.Key); ok {
		country = w.resolver.Resolve(asn)
	}
	// "XX" is unknown, never a real country code
	if country == "" {
		country = "XX"
	}

	args := []interface{}{meta.RunID, meta.DayString(), meta.Scope(), keyspace, row.Key, country, meta.Partial}
	for _, v := range row.Values() {
		args = append(args, v)
	}
	return args
}

// peerASN extracts the peer ASN from an aggregation key.
// Session keys have the form collector-asn-address.
func peerASN(keyspace, key string) (uint32, bool) {
	if keyspace == aggregate.KeyspaceSession {
		// Collector names may contain '-', peer addresses never do
		i := strings.LastIndexByte(key, '-')
		if i < 0 {
			return 0, false
		}
		j := strings.LastIndexByte(key[:i], '-')
		if j < 0 {
			return 0, false
		}
		key = key[j+1 : i]
	}
	asn, err := strconv.ParseUint(key, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(asn), true
}

var metaColumns = []string{"run_id", "day", "scope", "keyspace", "key", "peer_country", "partial"}

func createTableSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS " + featureTable + " (\n")
	b.WriteString("\trun_id UUID NOT NULL,\n")
	b.WriteString("\tday DATE NOT NULL,\n")
	b.WriteString("\tscope TEXT NOT NULL,\n")
	b.WriteString("\tkeyspace TEXT NOT NULL,\n")
	b.WriteString("\tkey TEXT NOT NULL,\n")
	b.WriteString("\tpeer_country CHAR(2) NOT NULL,\n")
	b.WriteString("\tpartial BOOLEAN NOT NULL DEFAULT false,\n")
	for _, col := range aggregate.Columns {
		b.WriteString("\t" + col + " DOUBLE PRECISION NOT NULL,\n")
	}
	b.WriteString("\tPRIMARY KEY (day, scope, keyspace, key)\n)")
	return b.String()
}

func upsertSQL() string {
	cols := append(append([]string{}, metaColumns...), aggregate.Columns...)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}

	var updates []string
	for _, col := range cols {
		switch col {
		case "day", "scope", "keyspace", "key":
			continue
		}
		updates = append(updates, col+" = EXCLUDED."+col)
	}

	return "INSERT INTO " + featureTable + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(placeholders, ", ") + ") ON CONFLICT (day, scope, keyspace, key) DO UPDATE SET " +
		strings.Join(updates, ", ")
}
