package aggregate

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hervehildenbrand/bgp-features/pkg/models"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when observing into a finalized aggregator.
var ErrClosed = errors.New("aggregator closed")

type shardUpdate struct {
	key     string
	session bool
	obs     *Observation
}

// shard owns a disjoint partition of both keyspaces.
type shard struct {
	updates   chan shardUpdate
	byASN     *State
	bySession *State
}

func (s *shard) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for u := range s.updates {
		if u.session {
			s.bySession.Observe(u.key, u.obs)
		} else {
			s.byASN.Observe(u.key, u.obs)
		}
	}
}

// Sharded is an Aggregator that partitions keys over worker goroutines.
// Observe and Tables must be called from one goroutine.
// A key always hashes to the same shard, so partitions never share a key
// and need no merging.
type Sharded struct {
	shards []*shard
	wg     sync.WaitGroup
	closed atomic.Bool

	records uint64
	dropped uint64
}

// NewSharded starts n shard workers, each with a queue of bufferSize updates.
func NewSharded(n, bufferSize int) *Sharded {
	if n < 1 {
		n = 1
	}
	a := &Sharded{shards: make([]*shard, n)}
	for i := range a.shards {
		a.shards[i] = &shard{
			updates:   make(chan shardUpdate, bufferSize),
			byASN:     NewState(KeyspaceASN),
			bySession: NewState(KeyspaceSession),
		}
		a.wg.Add(1)
		go a.shards[i].run(&a.wg)
	}
	return a
}

func (a *Sharded) route(key string) *shard {
	return a.shards[murmur3.Sum32([]byte(key))%uint32(len(a.shards))]
}

// Observe canonicalizes the record once and hands the result to the
// shards owning its ASN key and its session key.
func (a *Sharded) Observe(rec *models.RouteRecord) error {
	if a.closed.Load() {
		return ErrClosed
	}
	obs, err := NewObservation(rec)
	if err != nil {
		return err
	}
	if obs == nil {
		atomic.AddUint64(&a.dropped, 1)
		return nil
	}
	atomic.AddUint64(&a.records, 1)

	asnKey := rec.NodeID()
	sessKey := rec.SessionID()
	a.route(asnKey).updates <- shardUpdate{key: asnKey, obs: obs}
	a.route(sessKey).updates <- shardUpdate{key: sessKey, session: true, obs: obs}
	return nil
}

// Close drains all shard queues and stops the workers.
func (a *Sharded) Close() {
	if a.closed.Swap(true) {
		return
	}
	for _, s := range a.shards {
		close(s.updates)
	}
	a.wg.Wait()
}

// Tables closes the aggregator and builds both tables, one shard per goroutine.
func (a *Sharded) Tables() (*Table, *Table, error) {
	a.Close()

	asnParts := make([]*Table, len(a.shards))
	sessParts := make([]*Table, len(a.shards))

	var g errgroup.Group
	for i, s := range a.shards {
		g.Go(func() error {
			t, err := Build(s.byASN)
			if err != nil {
				return err
			}
			asnParts[i] = t
			return nil
		})
		g.Go(func() error {
			t, err := Build(s.bySession)
			if err != nil {
				return err
			}
			sessParts[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return concat(KeyspaceASN, asnParts), concat(KeyspaceSession, sessParts), nil
}

func concat(keyspace string, parts []*Table) *Table {
	t := &Table{Keyspace: keyspace}
	for _, p := range parts {
		t.Rows = append(t.Rows, p.Rows...)
	}
	t.sortRows()
	return t
}

// Stats returns current statistics.
func (a *Sharded) Stats() map[string]interface{} {
	var asnKeys, sessions, queued int
	for _, s := range a.shards {
		asnKeys += s.byASN.Len()
		sessions += s.bySession.Len()
		queued += len(s.updates)
	}
	return map[string]interface{}{
		"records":  atomic.LoadUint64(&a.records),
		"dropped":  atomic.LoadUint64(&a.dropped),
		"asn_keys": asnKeys,
		"sessions": sessions,
		"shards":   len(a.shards),
		"queued":   queued,
	}
}
