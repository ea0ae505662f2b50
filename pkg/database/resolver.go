package database

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

// CountryResolver maps peer ASNs to ISO country codes.
type CountryResolver interface {
	// Resolve returns the country code for an ASN, or "" if unknown.
	Resolve(asn uint32) string
	// Count returns the number of ASNs in the mapping.
	Count() int
}

// NullResolver resolves nothing. Rows written with it carry "XX".
type NullResolver struct{}

// NewNullResolver creates a new null resolver.
func NewNullResolver() *NullResolver {
	return &NullResolver{}
}

func (r *NullResolver) Resolve(asn uint32) string { return "" }
func (r *NullResolver) Count() int                { return 0 }

// MapResolver resolves from an in-memory mapping loaded once per run.
type MapResolver struct {
	mapping map[uint32]string
}

func (r *MapResolver) Resolve(asn uint32) string { return r.mapping[asn] }
func (r *MapResolver) Count() int                { return len(r.mapping) }

// addMapping stores a normalized entry. Anything other than a two-letter code is ignored.
func (r *MapResolver) addMapping(asnText, country string) {
	asn, err := strconv.ParseUint(strings.TrimSpace(asnText), 10, 32)
	if err != nil {
		return
	}
	country = strings.ToUpper(strings.TrimSpace(country))
	if len(country) != 2 {
		return
	}
	r.mapping[uint32(asn)] = country
}

// NewFileResolver loads mappings from a CSV file of asn,country_code rows.
// A header row is optional.
func NewFileResolver(filePath string) (*MapResolver, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := &MapResolver{mapping: make(map[uint32]string)}
	reader := csv.NewReader(bufio.NewReader(file))
	reader.FieldsPerRecord = -1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filePath, err)
		}
		if len(record) >= 2 {
			r.addMapping(record[0], record[1])
		}
	}

	log.Printf("[resolver] Loaded %d ASN mappings from %s", r.Count(), filePath)
	return r, nil
}

// NewDatabaseResolver loads mappings from a table with asn and country_code columns.
// tableName defaults to "asn_countries" if empty.
func NewDatabaseResolver(ctx context.Context, db *sql.DB, tableName string) (*MapResolver, error) {
	if tableName == "" {
		tableName = "asn_countries"
	}

	query := "SELECT asn, country_code FROM " + tableName + " WHERE country_code IS NOT NULL AND country_code != ''"
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", tableName, err)
	}
	defer rows.Close()

	r := &MapResolver{mapping: make(map[uint32]string)}
	for rows.Next() {
		var asn int64
		var country string
		if err := rows.Scan(&asn, &country); err != nil {
			continue
		}
		r.addMapping(strconv.FormatInt(asn, 10), country)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", tableName, err)
	}

	log.Printf("[resolver] Loaded %d ASN mappings from table %s", r.Count(), tableName)
	return r, nil
}
