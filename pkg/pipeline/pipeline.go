// Package pipeline drives a record source through aggregation into sinks.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hervehildenbrand/bgp-features/pkg/aggregate"
	"github.com/hervehildenbrand/bgp-features/pkg/models"
	"github.com/hervehildenbrand/bgp-features/pkg/sink"
	"github.com/hervehildenbrand/bgp-features/pkg/source"
)

// Options configures a run.
type Options struct {
	Day       time.Time
	Collector string
	PeerASN   uint32

	// Shards above 1 aggregates on that many worker goroutines.
	Shards     int
	BufferSize int

	// StatsInterval enables periodic STATS logging when positive.
	StatsInterval time.Duration

	// Sink receives both tables. Nil skips writing.
	Sink sink.Sink
}

// Result holds the tables of a finished run.
type Result struct {
	Meta      sink.TableMeta
	ByASN     *aggregate.Table
	BySession *aggregate.Table
	// Partial is set when ctx was cancelled before the source was exhausted.
	Partial bool
	Stats   map[string]interface{}
}

type statser interface {
	Stats() map[string]interface{}
}

// Run reads every record from src, builds the by-ASN and by-session tables
// and writes them to opts.Sink. Source and aggregation errors abort the run
// without building. Cancellation of ctx builds and writes what was read so far.
func Run(ctx context.Context, src source.Source, opts Options) (*Result, error) {
	var agg aggregate.Aggregator
	if opts.Shards > 1 {
		sharded := aggregate.NewSharded(opts.Shards, opts.BufferSize)
		defer sharded.Close()
		agg = sharded
	} else {
		agg = aggregate.NewSerial()
	}

	meta := sink.TableMeta{
		RunID:     uuid.New().String(),
		Day:       opts.Day,
		Collector: opts.Collector,
		PeerASN:   opts.PeerASN,
	}
	log.Printf("[pipeline] Run %s started for %s", meta.RunID, meta.DayString())

	statsDone := make(chan struct{})
	var wg sync.WaitGroup
	if opts.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logStats(statsDone, opts.StatsInterval, agg, src)
		}()
	}

	start := time.Now()
	err := src.Run(ctx, func(rec *models.RouteRecord) error {
		return agg.Observe(rec)
	})
	close(statsDone)
	wg.Wait()
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}

	meta.Partial = ctx.Err() != nil
	if meta.Partial {
		log.Printf("[pipeline] Cancelled after %s, building partial tables", time.Since(start).Round(time.Millisecond))
	}

	byASN, bySession, err := agg.Tables()
	if err != nil {
		return nil, fmt.Errorf("build tables: %w", err)
	}

	res := &Result{
		Meta:      meta,
		ByASN:     byASN,
		BySession: bySession,
		Partial:   meta.Partial,
		Stats:     agg.Stats(),
	}
	log.Printf("[pipeline] Built tables: records=%v, dropped=%v, asn_rows=%d, session_rows=%d (%s)",
		res.Stats["records"], res.Stats["dropped"], byASN.Len(), bySession.Len(),
		time.Since(start).Round(time.Millisecond))

	if opts.Sink == nil {
		return res, nil
	}

	// Partial tables are still written after cancellation
	writeCtx := context.WithoutCancel(ctx)
	for _, table := range []*aggregate.Table{byASN, bySession} {
		if err := opts.Sink.Write(writeCtx, meta, table); err != nil {
			return res, fmt.Errorf("write %s table: %w", table.Keyspace, err)
		}
	}
	return res, nil
}

func logStats(done <-chan struct{}, interval time.Duration, agg aggregate.Aggregator, src source.Source) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastRecords := uint64(0)
	lastTime := time.Now()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		stats := agg.Stats()
		records, _ := stats["records"].(uint64)
		elapsed := time.Since(lastTime).Seconds()
		rate := float64(records-lastRecords) / elapsed

		line := fmt.Sprintf("STATS: records=%d (%.0f/s), dropped=%v, asn_keys=%v, sessions=%v",
			records, rate, stats["dropped"], stats["asn_keys"], stats["sessions"])
		if s, ok := src.(statser); ok {
			line += fmt.Sprintf(", source=%v", s.Stats())
		}
		log.Print(line)

		lastRecords = records
		lastTime = time.Now()
	}
}
