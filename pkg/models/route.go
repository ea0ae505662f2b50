// Package models defines data structures for BGP route records and their aggregation keys.
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPrefix is returned when a prefix is neither valid IPv4 nor valid IPv6 CIDR text.
var ErrInvalidPrefix = errors.New("invalid prefix")

// Family is an address family.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// Families lists the address families in output column order.
var Families = []Family{IPv4, IPv6}

// Bits returns the address width of the family.
func (f Family) Bits() int {
	if f == IPv4 {
		return 32
	}
	return 128
}

func (f Family) String() string {
	return strconv.Itoa(int(f))
}

// Record kinds, as emitted by bgpdump and BGPStream.
const (
	KindRIB          = "R"
	KindAnnouncement = "A"
	KindWithdrawal   = "W"
)

// RouteRecord represents one route observed by a collector peer.
type RouteRecord struct {
	Timestamp   time.Time
	Kind        string
	Collector   string   // e.g., "rrc00", "route-views2"
	PeerASN     uint32
	PeerAddress string
	Prefix      string
	ASPath      []string // Raw tokens, AS-SETs kept opaque (e.g., "{3356,7018}")
	Communities []string // Format: "ASN:value"
}

// SessionID identifies the BGP session the record was received on.
func (r *RouteRecord) SessionID() string {
	return fmt.Sprintf("%s-%d-%s", r.Collector, r.PeerASN, r.PeerAddress)
}

// NodeID is the peer ASN rendered as an aggregation key.
func (r *RouteRecord) NodeID() string {
	return strconv.FormatUint(uint64(r.PeerASN), 10)
}

// ClassifyPrefix returns the address family of a CIDR prefix.
// A '.' within the first four characters marks IPv4 literal form, anything
// else is read as IPv6. The text must then parse as a prefix of that family.
func ClassifyPrefix(prefix string) (Family, netip.Prefix, error) {
	head := prefix
	if len(head) > 4 {
		head = head[:4]
	}
	family := IPv6
	if strings.IndexByte(head, '.') >= 0 {
		family = IPv4
	}

	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return 0, netip.Prefix{}, fmt.Errorf("%w: %q: %v", ErrInvalidPrefix, prefix, err)
	}
	if p.Addr().Is4() != (family == IPv4) {
		return 0, netip.Prefix{}, fmt.Errorf("%w: %q is not an IPv%s literal", ErrInvalidPrefix, prefix, family)
	}
	return family, p, nil
}
