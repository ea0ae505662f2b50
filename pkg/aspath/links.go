package aspath

import (
	"fmt"
	"strconv"
	"strings"
)

// Link is an adjacency between two ASNs, rendered as "A-B".
type Link struct {
	From uint32
	To   uint32
}

func (l Link) String() string {
	return strconv.FormatUint(uint64(l.From), 10) + "-" + strconv.FormatUint(uint64(l.To), 10)
}

// Undirected returns the link with the lower ASN first.
func (l Link) Undirected() Link {
	if l.From > l.To {
		return Link{From: l.To, To: l.From}
	}
	return l
}

// ParseLink parses the "A-B" form produced by Link.String.
func ParseLink(s string) (Link, error) {
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return Link{}, fmt.Errorf("parse link %q: missing separator", s)
	}
	from, okA := parseASN(a)
	to, okB := parseASN(b)
	if !okA || !okB {
		return Link{}, fmt.Errorf("parse link %q: non-numeric ASN", s)
	}
	return Link{From: from, To: to}, nil
}

// Undirected collapses directed links so that "A-B" and "B-A" map to one entry.
// The input set is left untouched.
func Undirected(links map[Link]struct{}) map[Link]struct{} {
	ulinks := make(map[Link]struct{}, len(links))
	for l := range links {
		ulinks[l.Undirected()] = struct{}{}
	}
	return ulinks
}
