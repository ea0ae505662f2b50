// Package aggregate folds route records into per-key buckets and builds feature tables.
package aggregate

import (
	"net/netip"

	"github.com/hervehildenbrand/bgp-features/pkg/aspath"
	"github.com/hervehildenbrand/bgp-features/pkg/models"
)

// FamilySet holds the sets collected for one key and one address family.
// Sets only grow.
type FamilySet struct {
	Prefixes    map[netip.Prefix]struct{}
	Origins     map[uint32]struct{}
	ASNs        map[uint32]struct{}
	Links       map[aspath.Link]struct{} // directed
	Communities map[string]struct{}
}

func newFamilySet() *FamilySet {
	return &FamilySet{
		Prefixes:    make(map[netip.Prefix]struct{}),
		Origins:     make(map[uint32]struct{}),
		ASNs:        make(map[uint32]struct{}),
		Links:       make(map[aspath.Link]struct{}),
		Communities: make(map[string]struct{}),
	}
}

// PrefixList returns the prefixes as a slice.
func (s *FamilySet) PrefixList() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(s.Prefixes))
	for p := range s.Prefixes {
		out = append(out, p)
	}
	return out
}

// Bucket is the aggregation state of one key.
type Bucket struct {
	v4 *FamilySet
	v6 *FamilySet
}

func newBucket() *Bucket {
	return &Bucket{v4: newFamilySet(), v6: newFamilySet()}
}

// Family returns the set for an address family.
func (b *Bucket) Family(f models.Family) *FamilySet {
	if f == models.IPv4 {
		return b.v4
	}
	return b.v6
}

func (b *Bucket) add(obs *Observation) {
	set := b.Family(obs.Family)

	set.Prefixes[obs.Prefix] = struct{}{}
	for asn := range obs.Facts.Nodes {
		set.ASNs[asn] = struct{}{}
	}
	for l := range obs.Facts.Links {
		set.Links[l] = struct{}{}
	}
	for _, c := range obs.Communities {
		set.Communities[c] = struct{}{}
	}
	if obs.Facts.OriginKnown {
		set.Origins[obs.Facts.Origin] = struct{}{}
	}
}
