package aggregate

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/hervehildenbrand/bgp-features/pkg/addrspace"
	"github.com/hervehildenbrand/bgp-features/pkg/aspath"
	"github.com/hervehildenbrand/bgp-features/pkg/models"
)

// featureNames is the per-family column order.
var featureNames = []string{"pfxs", "ips", "origins", "asns", "dlinks", "ulinks", "comms"}

// Columns lists the output columns: all IPv4 features, then all IPv6 features.
var Columns []string

func init() {
	for _, f := range models.Families {
		for _, name := range featureNames {
			Columns = append(Columns, name+f.String())
		}
	}
}

// Features are the seven features of one address family.
type Features struct {
	Prefixes        float64
	Addresses       float64
	Origins         float64
	ASNs            float64
	DirectedLinks   float64
	UndirectedLinks float64
	Communities     float64
}

func (f Features) values() []float64 {
	return []float64{f.Prefixes, f.Addresses, f.Origins, f.ASNs, f.DirectedLinks, f.UndirectedLinks, f.Communities}
}

// FeatureRow is the feature vector of one key.
type FeatureRow struct {
	Key string
	V4  Features
	V6  Features
}

// Values returns the row in Columns order.
func (r FeatureRow) Values() []float64 {
	return append(r.V4.values(), r.V6.values()...)
}

// Get returns a value by column name, e.g. "ips6".
func (r FeatureRow) Get(column string) (float64, bool) {
	for i, c := range Columns {
		if c == column {
			return r.Values()[i], true
		}
	}
	return 0, false
}

// Table is the finished feature table of one keyspace.
type Table struct {
	Keyspace string
	Rows     []FeatureRow
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Row returns the row for key.
func (t *Table) Row(key string) (FeatureRow, bool) {
	i := sort.Search(len(t.Rows), func(i int) bool { return t.Rows[i].Key >= key })
	if i < len(t.Rows) && t.Rows[i].Key == key {
		return t.Rows[i], true
	}
	return FeatureRow{}, false
}

func (t *Table) sortRows() {
	sort.Slice(t.Rows, func(i, j int) bool { return t.Rows[i].Key < t.Rows[j].Key })
}

// Build computes one row per key of the keyspace. Rows are sorted by key.
func Build(s *State) (*Table, error) {
	t := &Table{Keyspace: s.name, Rows: make([]FeatureRow, 0, len(s.buckets))}
	for key, b := range s.buckets {
		row, err := buildRow(key, b)
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, row)
	}
	t.sortRows()
	return t, nil
}

func buildRow(key string, b *Bucket) (FeatureRow, error) {
	v4, err := familyFeatures(models.IPv4, b.Family(models.IPv4))
	if err != nil {
		return FeatureRow{}, fmt.Errorf("key %s: %w", key, err)
	}
	v6, err := familyFeatures(models.IPv6, b.Family(models.IPv6))
	if err != nil {
		return FeatureRow{}, fmt.Errorf("key %s: %w", key, err)
	}
	return FeatureRow{Key: key, V4: v4, V6: v6}, nil
}

func familyFeatures(family models.Family, set *FamilySet) (Features, error) {
	covered, err := addrspace.Count(family, set.PrefixList())
	if err != nil {
		return Features{}, err
	}
	return Features{
		Prefixes:        float64(len(set.Prefixes)),
		Addresses:       toFloat(covered),
		Origins:         float64(len(set.Origins)),
		ASNs:            float64(len(set.ASNs)),
		DirectedLinks:   float64(len(set.Links)),
		UndirectedLinks: float64(len(aspath.Undirected(set.Links))),
		Communities:     float64(len(set.Communities)),
	}, nil
}

func toFloat(n *big.Int) float64 {
	f, _ := new(big.Float).SetInt(n).Float64()
	return f
}
