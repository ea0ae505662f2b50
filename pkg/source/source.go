// Package source provides route record streams for one collection day.
package source

import (
	"context"
	"errors"

	"github.com/hervehildenbrand/bgp-features/pkg/models"
)

// ErrSourceFailed marks failures of the upstream record source. They are fatal:
// a table built from a failed stream must not be taken as complete.
var ErrSourceFailed = errors.New("record source failed")

// Source produces the route records of one day.
type Source interface {
	// Run calls fn for each record in delivery order until the stream is
	// exhausted, ctx is cancelled, or fn returns an error.
	// Cancellation is not an error.
	Run(ctx context.Context, fn func(*models.RouteRecord) error) error
}

// Filter selects records by collector and peer.
type Filter struct {
	Collector string // empty matches all
	PeerASN   uint32 // 0 matches all
}

// Match reports whether the record passes the filter.
func (f Filter) Match(rec *models.RouteRecord) bool {
	if f.Collector != "" && rec.Collector != f.Collector {
		return false
	}
	if f.PeerASN != 0 && rec.PeerASN != f.PeerASN {
		return false
	}
	return true
}
