package aggregate

import (
	"net/netip"
	"sync/atomic"

	"github.com/hervehildenbrand/bgp-features/pkg/aspath"
	"github.com/hervehildenbrand/bgp-features/pkg/models"
)

// Keyspace names, used in output file names and storage keys.
const (
	KeyspaceASN     = "asn"
	KeyspaceSession = "sess"
)

// Observation is a validated record together with the facts derived from its AS path.
// It is shared read-only between keyspaces.
type Observation struct {
	Family      models.Family
	Prefix      netip.Prefix
	Communities []string
	Facts       aspath.PathFacts
}

// NewObservation validates a record and derives its path facts.
// It returns nil without error for records that carry no prefix.
// A prefix of neither family is a fatal error.
func NewObservation(rec *models.RouteRecord) (*Observation, error) {
	if rec.Prefix == "" {
		return nil, nil
	}
	family, prefix, err := models.ClassifyPrefix(rec.Prefix)
	if err != nil {
		return nil, err
	}
	return &Observation{
		Family:      family,
		Prefix:      prefix,
		Communities: rec.Communities,
		Facts:       aspath.Canonicalize(rec.ASPath),
	}, nil
}

// State maps the keys of one keyspace to their buckets.
// It is not safe for concurrent use.
type State struct {
	name    string
	buckets map[string]*Bucket
	keys    atomic.Int64
}

// NewState creates an empty keyspace.
func NewState(name string) *State {
	return &State{name: name, buckets: make(map[string]*Bucket)}
}

// Name returns the keyspace name.
func (s *State) Name() string {
	return s.name
}

// Observe adds an observation to the bucket of key, creating it on first use.
func (s *State) Observe(key string, obs *Observation) {
	b, ok := s.buckets[key]
	if !ok {
		b = newBucket()
		s.buckets[key] = b
		s.keys.Add(1)
	}
	b.add(obs)
}

// Bucket returns the bucket of key, if any record was attributed to it.
func (s *State) Bucket(key string) (*Bucket, bool) {
	b, ok := s.buckets[key]
	return b, ok
}

// Len returns the number of keys. It may be called while another goroutine observes.
func (s *State) Len() int {
	return int(s.keys.Load())
}

// Aggregator maintains the by-ASN and by-session keyspaces in parallel.
type Aggregator interface {
	// Observe folds one record into both keyspaces.
	Observe(rec *models.RouteRecord) error
	// Tables finalizes the keyspaces. No record may be observed afterwards.
	Tables() (byASN, bySession *Table, err error)
	// Stats returns counters for logging.
	Stats() map[string]interface{}
}

// Serial is the single-threaded Aggregator.
type Serial struct {
	byASN     *State
	bySession *State

	records uint64
	dropped uint64
}

// NewSerial creates a single-threaded aggregator.
func NewSerial() *Serial {
	return &Serial{
		byASN:     NewState(KeyspaceASN),
		bySession: NewState(KeyspaceSession),
	}
}

// Observe canonicalizes the record's path once and updates both keyspaces.
func (a *Serial) Observe(rec *models.RouteRecord) error {
	obs, err := NewObservation(rec)
	if err != nil {
		return err
	}
	if obs == nil {
		atomic.AddUint64(&a.dropped, 1)
		return nil
	}
	atomic.AddUint64(&a.records, 1)

	a.byASN.Observe(rec.NodeID(), obs)
	a.bySession.Observe(rec.SessionID(), obs)
	return nil
}

// Tables builds both feature tables.
func (a *Serial) Tables() (*Table, *Table, error) {
	byASN, err := Build(a.byASN)
	if err != nil {
		return nil, nil, err
	}
	bySession, err := Build(a.bySession)
	if err != nil {
		return nil, nil, err
	}
	return byASN, bySession, nil
}

// Stats returns current statistics.
func (a *Serial) Stats() map[string]interface{} {
	return map[string]interface{}{
		"records":  atomic.LoadUint64(&a.records),
		"dropped":  atomic.LoadUint64(&a.dropped),
		"asn_keys": a.byASN.Len(),
		"sessions": a.bySession.Len(),
	}
}
