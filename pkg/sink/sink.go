// Package sink persists finished feature tables.
package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hervehildenbrand/bgp-features/pkg/aggregate"
)

// TableMeta describes the run a table was produced by.
type TableMeta struct {
	RunID     string
	Day       time.Time
	Collector string // empty when all collectors were read
	PeerASN   uint32 // 0 when all peers were read
	Partial   bool   // stream was cancelled before it was exhausted
}

// ScopeAll is the scope of a run over every collector and peer.
const ScopeAll = "all"

// DayString returns the day as YYYY-MM-DD.
func (m TableMeta) DayString() string {
	return m.Day.UTC().Format("2006-01-02")
}

// Scope names the collector and peer filter of the run, e.g. "rrc00_as6939".
// Runs of one day with different filters write to different scopes.
func (m TableMeta) Scope() string {
	var parts []string
	collectors := strings.FieldsFunc(m.Collector, func(r rune) bool { return r == ',' || r == ' ' })
	if len(collectors) > 0 {
		parts = append(parts, strings.Join(collectors, "+"))
	}
	if m.PeerASN != 0 {
		parts = append(parts, "as"+strconv.FormatUint(uint64(m.PeerASN), 10))
	}
	if len(parts) == 0 {
		return ScopeAll
	}
	return strings.Join(parts, "_")
}

// Sink accepts finished feature tables.
type Sink interface {
	Write(ctx context.Context, meta TableMeta, table *aggregate.Table) error
	Name() string
}

// Multi writes to several sinks in order and stops at the first error.
type Multi []Sink

// Write implements Sink.
func (m Multi) Write(ctx context.Context, meta TableMeta, table *aggregate.Table) error {
	for _, s := range m {
		if err := s.Write(ctx, meta, table); err != nil {
			return fmt.Errorf("%s sink: %w", s.Name(), err)
		}
	}
	return nil
}

// Name implements Sink.
func (m Multi) Name() string {
	return "multi"
}
