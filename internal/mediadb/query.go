// ABOUTME: Minimal predicate parser for queue_make's textual query
// ABOUTME: Tokens of the form field:value joined by whitespace, AND-ed together
package mediadb

import (
	"fmt"
	"strings"
)

// predicate is a parsed, AND-ed set of field=value clauses.
type predicate struct {
	clauses map[string]string
}

var queryableFields = map[string]bool{
	"artist": true,
	"album":  true,
	"title":  true,
}

// parsePredicate parses "artist:Beck album:Odelay" style queries into
// field/value clauses; a value cannot contain whitespace. Fails on an
// unknown field or a token with no ':' separator.
func parsePredicate(query string) (predicate, error) {
	p := predicate{clauses: make(map[string]string)}

	query = strings.TrimSpace(query)
	if query == "" {
		return p, nil
	}

	for _, tok := range strings.Fields(query) {
		field, value, ok := strings.Cut(tok, ":")
		if !ok {
			return predicate{}, fmt.Errorf("mediadb: malformed query token %q", tok)
		}
		field = strings.ToLower(field)
		if !queryableFields[field] {
			return predicate{}, fmt.Errorf("mediadb: unknown query field %q", field)
		}
		p.clauses[field] = value
	}

	return p, nil
}

// whereClause renders the predicate as a SQL WHERE fragment and its args.
func (p predicate) whereClause() (string, []any) {
	if len(p.clauses) == 0 {
		return "1=1", nil
	}

	var parts []string
	var args []any
	for _, field := range []string{"artist", "album", "title"} {
		if v, ok := p.clauses[field]; ok {
			parts = append(parts, field+" LIKE ?")
			args = append(args, "%"+v+"%")
		}
	}
	return strings.Join(parts, " AND "), args
}

func orderClause(sort SortKey) string {
	switch sort {
	case SortName:
		return "ORDER BY title"
	case SortAlbum:
		return "ORDER BY album, track"
	default:
		return ""
	}
}
