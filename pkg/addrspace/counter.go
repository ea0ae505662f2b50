// Package addrspace counts the addresses covered by a set of prefixes.
//
// Prefixes are kept in a routing table. Only prefixes without a strictly
// less-specific prefix in the set contribute, so nested and duplicate
// prefixes are counted once.
package addrspace

import (
	"fmt"
	"math/big"
	"net/netip"

	"github.com/gaissmai/bart"
	"github.com/hervehildenbrand/bgp-features/pkg/models"
)

// Trie is a prefix set for one address family.
type Trie struct {
	family   models.Family
	table    *bart.Table[struct{}]
	prefixes map[netip.Prefix]struct{}
}

// NewTrie creates an empty trie for the given family.
func NewTrie(family models.Family) *Trie {
	return &Trie{
		family:   family,
		table:    new(bart.Table[struct{}]),
		prefixes: make(map[netip.Prefix]struct{}),
	}
}

// Insert adds a prefix. Host bits beyond the prefix length are ignored.
func (t *Trie) Insert(p netip.Prefix) error {
	if !p.IsValid() || p.Addr().Is4() != (t.family == models.IPv4) {
		return fmt.Errorf("insert %s into IPv%s trie: %w", p, t.family, models.ErrInvalidPrefix)
	}
	p = p.Masked()
	if _, ok := t.prefixes[p]; ok {
		return nil
	}
	t.prefixes[p] = struct{}{}
	t.table.Insert(p, struct{}{})
	return nil
}

// Len returns the number of distinct masked prefixes in the trie.
func (t *Trie) Len() int {
	return len(t.prefixes)
}

// Covered returns the number of distinct addresses spanned by the trie.
func (t *Trie) Covered() *big.Int {
	total := new(big.Int)
	for p := range t.prefixes {
		if t.covered(p) {
			continue
		}
		total.Add(total, new(big.Int).Lsh(big.NewInt(1), uint(t.family.Bits()-p.Bits())))
	}
	return total
}

// covered reports whether a strictly less-specific prefix of p is in the set.
func (t *Trie) covered(p netip.Prefix) bool {
	if p.Bits() == 0 {
		return false
	}
	parent := netip.PrefixFrom(p.Addr(), p.Bits()-1).Masked()
	_, ok := t.table.LookupPrefix(parent)
	return ok
}

// Count returns the covered address count of prefixes of one family.
func Count(family models.Family, prefixes []netip.Prefix) (*big.Int, error) {
	t := NewTrie(family)
	for _, p := range prefixes {
		if err := t.Insert(p); err != nil {
			return nil, err
		}
	}
	return t.Covered(), nil
}

// CountStrings is Count for CIDR text.
func CountStrings(family models.Family, prefixes []string) (*big.Int, error) {
	parsed := make([]netip.Prefix, 0, len(prefixes))
	for _, s := range prefixes {
		_, p, err := models.ClassifyPrefix(s)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, p)
	}
	return Count(family, parsed)
}
