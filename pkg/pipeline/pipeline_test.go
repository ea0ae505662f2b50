package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hervehildenbrand/bgp-features/pkg/aggregate"
	"github.com/hervehildenbrand/bgp-features/pkg/aspath"
	"github.com/hervehildenbrand/bgp-features/pkg/models"
	"github.com/hervehildenbrand/bgp-features/pkg/sink"
	"github.com/hervehildenbrand/bgp-features/pkg/source"
)

// sliceSource delivers fixed records, optionally cancelling after some of them.
type sliceSource struct {
	records     []*models.RouteRecord
	cancelAfter int
	cancel      context.CancelFunc
	err         error
}

func (s *sliceSource) Run(ctx context.Context, fn func(*models.RouteRecord) error) error {
	for i, rec := range s.records {
		if ctx.Err() != nil {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
		if s.cancel != nil && i+1 == s.cancelAfter {
			s.cancel()
		}
	}
	return s.err
}

type recordingSink struct {
	metas  []sink.TableMeta
	tables []*aggregate.Table
	err    error
}

func (s *recordingSink) Write(ctx context.Context, meta sink.TableMeta, table *aggregate.Table) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.metas = append(s.metas, meta)
	s.tables = append(s.tables, table)
	return s.err
}

func (s *recordingSink) Name() string { return "recording" }

func rib(peer uint32, prefix, path string) *models.RouteRecord {
	return &models.RouteRecord{
		Kind:        models.KindRIB,
		Collector:   "rrc00",
		PeerASN:     peer,
		PeerAddress: "192.0.2.1",
		Prefix:      prefix,
		ASPath:      aspath.Split(path),
	}
}

var day = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func TestRun_WritesBothTables(t *testing.T) {
	for _, shards := range []int{1, 4} {
		src := &sliceSource{records: []*models.RouteRecord{
			rib(6939, "1.1.1.0/24", "6939 13335"),
			rib(6939, "2001:db8::/32", "6939 3356"),
			rib(174, "8.8.8.0/24", "174 15169"),
		}}
		out := &recordingSink{}

		res, err := Run(context.Background(), src, Options{Day: day, Shards: shards, BufferSize: 16, Sink: out})
		if err != nil {
			t.Fatalf("shards=%d: Run() error = %v", shards, err)
		}
		if res.Partial {
			t.Errorf("shards=%d: expected complete run", shards)
		}
		if res.ByASN.Len() != 2 || res.BySession.Len() != 2 {
			t.Errorf("shards=%d: expected 2 rows per table, got %d/%d", shards, res.ByASN.Len(), res.BySession.Len())
		}
		if len(out.tables) != 2 || out.tables[0].Keyspace != aggregate.KeyspaceASN || out.tables[1].Keyspace != aggregate.KeyspaceSession {
			t.Fatalf("shards=%d: unexpected writes %v", shards, out.tables)
		}
		if out.metas[0].RunID == "" || out.metas[0].RunID != out.metas[1].RunID {
			t.Errorf("shards=%d: both tables should share a run id", shards)
		}
		if out.metas[0].DayString() != "2024-01-15" {
			t.Errorf("shards=%d: unexpected day %s", shards, out.metas[0].DayString())
		}

		row, ok := res.ByASN.Row("6939")
		if !ok {
			t.Fatalf("shards=%d: missing row 6939", shards)
		}
		if row.V4.Prefixes != 1 || row.V6.Prefixes != 1 || row.V4.Addresses != 256 {
			t.Errorf("shards=%d: unexpected row %+v", shards, row)
		}
	}
}

func TestRun_CancelledBuildsPartialTables(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &sliceSource{
		records: []*models.RouteRecord{
			rib(6939, "1.1.1.0/24", "6939 13335"),
			rib(174, "8.8.8.0/24", "174 15169"),
			rib(3356, "4.0.0.0/9", "3356"),
		},
		cancelAfter: 1,
		cancel:      cancel,
	}
	out := &recordingSink{}

	res, err := Run(ctx, src, Options{Day: day, Sink: out})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Partial || !res.Meta.Partial {
		t.Error("expected partial result")
	}
	if res.ByASN.Len() != 1 {
		t.Errorf("expected 1 row before cancellation, got %d", res.ByASN.Len())
	}
	if len(out.tables) != 2 || !out.metas[0].Partial {
		t.Error("partial tables should still be written")
	}
}

func TestRun_SourceFailureIsFatal(t *testing.T) {
	src := &sliceSource{
		records: []*models.RouteRecord{rib(6939, "1.1.1.0/24", "6939")},
		err:     source.ErrSourceFailed,
	}
	out := &recordingSink{}

	if _, err := Run(context.Background(), src, Options{Day: day, Sink: out}); !errors.Is(err, source.ErrSourceFailed) {
		t.Fatalf("expected ErrSourceFailed, got %v", err)
	}
	if len(out.tables) != 0 {
		t.Error("nothing should be written after a source failure")
	}
}

func TestRun_InvalidPrefixIsFatal(t *testing.T) {
	for _, shards := range []int{1, 2} {
		src := &sliceSource{records: []*models.RouteRecord{rib(6939, "1.1.1.300/24", "6939")}}
		if _, err := Run(context.Background(), src, Options{Day: day, Shards: shards}); !errors.Is(err, models.ErrInvalidPrefix) {
			t.Errorf("shards=%d: expected ErrInvalidPrefix, got %v", shards, err)
		}
	}
}

func TestRun_SinkError(t *testing.T) {
	src := &sliceSource{records: []*models.RouteRecord{rib(6939, "1.1.1.0/24", "6939")}}
	boom := errors.New("disk full")

	res, err := Run(context.Background(), src, Options{Day: day, Sink: &recordingSink{err: boom}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if res == nil || res.ByASN.Len() != 1 {
		t.Error("tables should be returned alongside a sink error")
	}
}

func TestRun_BGPDumpToParquet(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "rib.txt")
	dump := "TABLE_DUMP2|1705276800|B|192.0.2.1|6939|1.1.1.0/24|6939 13335|IGP|192.0.2.1|0|0|6939:1000|NAG||\n" +
		"TABLE_DUMP2|1705276800|B|192.0.2.1|6939|1.1.1.0/25|6939 13335|IGP|192.0.2.1|0|0|6939:1000|NAG||\n" +
		"BGP4MP|1705276900|A|192.0.2.1|6939|9.9.9.0/24|6939 19281|IGP|192.0.2.1|0|0||NAG||\n"
	if err := os.WriteFile(input, []byte(dump), 0644); err != nil {
		t.Fatal(err)
	}

	src := source.NewBGPDumpSource([]string{input}, source.BGPDumpOptions{Collector: "route-views2"})
	files := sink.NewParquetSink(dir, "zstd")

	res, err := Run(context.Background(), src, Options{Day: day, Collector: "route-views2", Sink: sink.Multi{files}, StatsInterval: time.Hour})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	table, err := sink.ReadTable(files.Path(res.Meta, aggregate.KeyspaceSession), aggregate.KeyspaceSession)
	if err != nil {
		t.Fatalf("ReadTable() error = %v", err)
	}
	row, ok := table.Row("route-views2-6939-192.0.2.1")
	if !ok {
		t.Fatalf("missing session row, got %+v", table.Rows)
	}
	// The announcement is ignored in RIB-only mode and the /25 is covered by the /24
	if row.V4.Prefixes != 2 || row.V4.Addresses != 256 || row.V4.Communities != 1 || row.V4.DirectedLinks != 1 {
		t.Errorf("unexpected row %+v", row)
	}
}
