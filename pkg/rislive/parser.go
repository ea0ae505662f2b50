package rislive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hervehildenbrand/bgp-features/pkg/models"
)

// RISMessage is the top-level message from RIS Live.
type RISMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// RISUpdateData is the BGP update data from RIS Live.
type RISUpdateData struct {
	Timestamp     float64           `json:"timestamp"`
	Host          string            `json:"host"`
	Peer          string            `json:"peer"`
	PeerASN       json.RawMessage   `json:"peer_asn"` // Can be string or number
	Type          string            `json:"type"`
	Path          json.RawMessage   `json:"path"`
	Announcements []RISAnnouncement `json:"announcements"`
	Withdrawals   []string          `json:"withdrawals"`
	Community     []json.RawMessage `json:"community"`
}

// RISAnnouncement represents announced prefixes.
type RISAnnouncement struct {
	NextHop  string   `json:"next_hop"`
	Prefixes []string `json:"prefixes"`
}

// ParseMessage parses a RIS Live WebSocket message into route records,
// one per announced prefix. Withdrawals and non-update messages yield no records.
func ParseMessage(data []byte, collector string) ([]*models.RouteRecord, error) {
	var msg RISMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	// Only process ris_message type
	if msg.Type != "ris_message" {
		return nil, nil
	}

	var updateData RISUpdateData
	if err := json.Unmarshal(msg.Data, &updateData); err != nil {
		return nil, fmt.Errorf("unmarshal update data: %w", err)
	}
	if len(updateData.Announcements) == 0 {
		return nil, nil
	}

	asPath, err := parseASPath(updateData.Path)
	if err != nil {
		return nil, fmt.Errorf("parse AS path: %w", err)
	}

	if updateData.Host != "" {
		collector = updateData.Host
	}
	peerASN := parseASN(updateData.PeerASN)
	communities := parseCommunities(updateData.Community)
	timestamp := time.Unix(int64(updateData.Timestamp), int64((updateData.Timestamp-float64(int64(updateData.Timestamp)))*1e9)).UTC()

	var records []*models.RouteRecord
	for _, ann := range updateData.Announcements {
		for _, prefix := range ann.Prefixes {
			records = append(records, &models.RouteRecord{
				Timestamp:   timestamp,
				Kind:        models.KindAnnouncement,
				Collector:   collector,
				PeerASN:     peerASN,
				PeerAddress: updateData.Peer,
				Prefix:      prefix,
				ASPath:      asPath,
				Communities: communities,
			})
		}
	}
	return records, nil
}

// parseASN parses an ASN that can be either a string or number.
func parseASN(data json.RawMessage) uint32 {
	if len(data) == 0 {
		return 0
	}

	// Try as number first
	var num uint32
	if err := json.Unmarshal(data, &num); err == nil {
		return num
	}

	// Try as string
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		val, _ := strconv.ParseUint(str, 10, 32)
		return uint32(val)
	}

	return 0
}

// parseASPath renders the path as tokens. AS_SET members are kept together
// as one opaque token.
// Input can be: [174, 3356, 65001] or [174, [3356, 65001], 65002]
func parseASPath(data json.RawMessage) ([]string, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("cannot parse path: %w", err)
	}

	tokens := make([]string, 0, len(elems))
	for _, elem := range elems {
		var num json.Number
		if err := json.Unmarshal(elem, &num); err == nil {
			tokens = append(tokens, num.String())
			continue
		}

		var set []json.Number
		if err := json.Unmarshal(elem, &set); err == nil {
			members := make([]string, len(set))
			for i, n := range set {
				members[i] = n.String()
			}
			tokens = append(tokens, "{"+strings.Join(members, ",")+"}")
			continue
		}

		return nil, fmt.Errorf("unexpected path segment %s", elem)
	}
	return tokens, nil
}

// parseCommunities converts community data to "ASN:value" string format.
// Input can be: [[65535, 666], [3356, 9999]] or ["65535:666"]
func parseCommunities(data []json.RawMessage) []string {
	if data == nil {
		return nil
	}

	var result []string
	for _, elem := range data {
		// Try as [ASN, value] tuple
		var tuple []uint32
		if err := json.Unmarshal(elem, &tuple); err == nil && len(tuple) == 2 {
			result = append(result, strconv.FormatUint(uint64(tuple[0]), 10)+":"+strconv.FormatUint(uint64(tuple[1]), 10))
			continue
		}

		// Try as string
		var str string
		if err := json.Unmarshal(elem, &str); err == nil {
			result = append(result, str)
		}
	}

	return result
}
