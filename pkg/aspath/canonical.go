// Package aspath derives topology facts from AS paths.
package aspath

import (
	"strconv"
	"strings"
)

// PathFacts holds what one AS path contributes to a bucket.
type PathFacts struct {
	Links       map[Link]struct{}
	Nodes       map[uint32]struct{}
	Origin      uint32
	OriginKnown bool // false when the last hop is an AS-SET or the path is empty
}

// Split splits a whitespace-delimited AS path into tokens.
func Split(raw string) []string {
	return strings.Fields(raw)
}

// CanonicalPath removes prepending: a token is kept only if it differs
// from the previously kept one.
func CanonicalPath(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}
	path := make([]string, 0, len(tokens))
	path = append(path, tokens[0])
	for _, tok := range tokens[1:] {
		if tok != path[len(path)-1] {
			path = append(path, tok)
		}
	}
	return path
}

// Canonicalize derives directed links, participant ASNs and the origin
// from an AS path. Pairs touching a non-numeric token (AS-SET) are skipped.
func Canonicalize(tokens []string) PathFacts {
	facts := PathFacts{
		Links: make(map[Link]struct{}),
		Nodes: make(map[uint32]struct{}),
	}

	path := CanonicalPath(tokens)
	if len(path) == 0 {
		return facts
	}

	for i := 1; i < len(path); i++ {
		prev, ok := parseASN(path[i-1])
		if !ok {
			continue
		}
		cur, ok := parseASN(path[i])
		if !ok {
			continue
		}
		facts.Nodes[prev] = struct{}{}
		facts.Nodes[cur] = struct{}{}
		facts.Links[Link{From: prev, To: cur}] = struct{}{}
	}

	facts.Origin, facts.OriginKnown = parseASN(path[len(path)-1])
	return facts
}

func parseASN(tok string) (uint32, bool) {
	v, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
