package sink

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/hervehildenbrand/bgp-features/pkg/aggregate"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// FeatureRecord is a feature row in Parquet format.
type FeatureRecord struct {
	Key      string  `parquet:"key,zstd"`
	Pfxs4    float64 `parquet:"pfxs4"`
	IPs4     float64 `parquet:"ips4"`
	Origins4 float64 `parquet:"origins4"`
	ASNs4    float64 `parquet:"asns4"`
	DLinks4  float64 `parquet:"dlinks4"`
	ULinks4  float64 `parquet:"ulinks4"`
	Comms4   float64 `parquet:"comms4"`
	Pfxs6    float64 `parquet:"pfxs6"`
	IPs6     float64 `parquet:"ips6"`
	Origins6 float64 `parquet:"origins6"`
	ASNs6    float64 `parquet:"asns6"`
	DLinks6  float64 `parquet:"dlinks6"`
	ULinks6  float64 `parquet:"ulinks6"`
	Comms6   float64 `parquet:"comms6"`
}

// RowToRecord converts a FeatureRow to a FeatureRecord.
func RowToRecord(r *aggregate.FeatureRow) FeatureRecord {
	return FeatureRecord{
		Key:      r.Key,
		Pfxs4:    r.V4.Prefixes,
		IPs4:     r.V4.Addresses,
		Origins4: r.V4.Origins,
		ASNs4:    r.V4.ASNs,
		DLinks4:  r.V4.DirectedLinks,
		ULinks4:  r.V4.UndirectedLinks,
		Comms4:   r.V4.Communities,
		Pfxs6:    r.V6.Prefixes,
		IPs6:     r.V6.Addresses,
		Origins6: r.V6.Origins,
		ASNs6:    r.V6.ASNs,
		DLinks6:  r.V6.DirectedLinks,
		ULinks6:  r.V6.UndirectedLinks,
		Comms6:   r.V6.Communities,
	}
}

// RecordToRow converts a FeatureRecord back to a FeatureRow.
func RecordToRow(r *FeatureRecord) aggregate.FeatureRow {
	return aggregate.FeatureRow{
		Key: r.Key,
		V4: aggregate.Features{
			Prefixes: r.Pfxs4, Addresses: r.IPs4, Origins: r.Origins4, ASNs: r.ASNs4,
			DirectedLinks: r.DLinks4, UndirectedLinks: r.ULinks4, Communities: r.Comms4,
		},
		V6: aggregate.Features{
			Prefixes: r.Pfxs6, Addresses: r.IPs6, Origins: r.Origins6, ASNs: r.ASNs6,
			DirectedLinks: r.DLinks6, UndirectedLinks: r.ULinks6, Communities: r.Comms6,
		},
	}
}

// ParseCompression parses a compression name. Unknown names select zstd.
func ParseCompression(s string) compress.Codec {
	switch s {
	case "snappy":
		return &parquet.Snappy
	case "zstd", "":
		return &parquet.Zstd
	case "lz4":
		return &parquet.Lz4Raw
	case "gzip":
		return &parquet.Gzip
	case "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// ParquetSink writes one Parquet file per table into a directory.
type ParquetSink struct {
	dir   string
	codec compress.Codec

	mu      sync.Mutex
	written []string
}

// NewParquetSink creates a sink writing into dir.
func NewParquetSink(dir, compression string) *ParquetSink {
	return &ParquetSink{dir: dir, codec: ParseCompression(compression)}
}

// Name implements Sink.
func (s *ParquetSink) Name() string {
	return "parquet"
}

// FileName returns the base name of the file for a table, e.g. features_per_asn_2024-01-15.parquet.
// Filtered runs append their scope: features_per_asn_2024-01-15_rrc00.parquet.
func FileName(meta TableMeta, keyspace string) string {
	if scope := meta.Scope(); scope != ScopeAll {
		return fmt.Sprintf("features_per_%s_%s_%s.parquet", keyspace, meta.DayString(), scope)
	}
	return fmt.Sprintf("features_per_%s_%s.parquet", keyspace, meta.DayString())
}

// Path returns where the table is written.
func (s *ParquetSink) Path(meta TableMeta, keyspace string) string {
	return filepath.Join(s.dir, FileName(meta, keyspace))
}

// Write implements Sink.
func (s *ParquetSink) Write(ctx context.Context, meta TableMeta, table *aggregate.Table) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	path := s.Path(meta, table.Keyspace)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[FeatureRecord](f, parquet.Compression(s.codec))

	records := make([]FeatureRecord, len(table.Rows))
	for i := range table.Rows {
		records[i] = RowToRecord(&table.Rows[i])
	}
	if _, err := writer.Write(records); err != nil {
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	s.mu.Lock()
	s.written = append(s.written, path)
	s.mu.Unlock()

	log.Printf("[parquet] Wrote %d rows to %s", len(records), path)
	return nil
}

// Files returns the paths written so far.
func (s *ParquetSink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

// ReadTable loads a table written by ParquetSink.
func ReadTable(path, keyspace string) (*aggregate.Table, error) {
	records, err := parquet.ReadFile[FeatureRecord](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	t := &aggregate.Table{Keyspace: keyspace, Rows: make([]aggregate.FeatureRow, len(records))}
	for i := range records {
		t.Rows[i] = RecordToRow(&records[i])
	}
	return t, nil
}
