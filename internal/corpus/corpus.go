package corpus

import (
	"encoding/json"
	"strings"
)

// Snippet is one normalized knowledge-base entry. Snippets are immutable
// after Load and safe to share across requests.
type Snippet struct {
	ID       int
	Port     string
	Category string
	Text     string
	Aliases  []string

	// SearchText is the derived haystack for lexical scoring:
	// port, category and snippet text joined by single spaces.
	SearchText string
}

// rawSnippet mirrors the source JSON. Older exports use "type" instead of
// "category" and "text"/"note" instead of "snippet".
type rawSnippet struct {
	Port     string   `json:"port"`
	Category string   `json:"category"`
	Type     string   `json:"type"`
	Snippet  string   `json:"snippet"`
	Text     string   `json:"text"`
	Note     string   `json:"note"`
	Aliases  []string `json:"aliases"`
}

// Store holds the loaded corpus and its derived alias index. A Store is
// read-only after construction; build it once at startup and inject it.
type Store struct {
	snippets []Snippet
	aliases  map[string]bool

	// aliasOrder preserves corpus insertion order so hint scans are
	// deterministic when a query mentions more than one known port.
	aliasOrder []string
}

// Load concatenates one or more raw JSON arrays into a Store. Sources that
// fail to parse as arrays are skipped; null entries are dropped. Load never
// fails; with no usable sources the Store is simply empty.
func Load(sources ...[]byte) *Store {
	var rows []*rawSnippet
	for _, src := range sources {
		var arr []*rawSnippet
		if err := json.Unmarshal(src, &arr); err != nil {
			continue
		}
		for _, r := range arr {
			if r != nil {
				rows = append(rows, r)
			}
		}
	}

	s := &Store{
		snippets: make([]Snippet, 0, len(rows)),
		aliases:  make(map[string]bool),
	}
	for i, r := range rows {
		port := strings.TrimSpace(r.Port)
		category := strings.TrimSpace(firstNonEmpty(r.Category, r.Type))
		text := strings.TrimSpace(firstNonEmpty(r.Snippet, r.Text, r.Note))
		aliases := r.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		s.snippets = append(s.snippets, Snippet{
			ID:         i,
			Port:       port,
			Category:   category,
			Text:       text,
			Aliases:    aliases,
			SearchText: port + " " + category + " " + text,
		})
		if p := strings.ToLower(port); p != "" && !s.aliases[p] {
			s.aliases[p] = true
			s.aliasOrder = append(s.aliasOrder, p)
		}
		for _, a := range aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" && !s.aliases[a] {
				s.aliases[a] = true
				s.aliasOrder = append(s.aliasOrder, a)
			}
		}
	}
	return s
}

// Snippets returns the loaded corpus in load order. Callers must not mutate
// the returned slice.
func (s *Store) Snippets() []Snippet {
	return s.snippets
}

// Len returns the number of loaded snippets.
func (s *Store) Len() int {
	return len(s.snippets)
}

// InferPortHint scans known port names and aliases in corpus order and
// returns the first appearing as a substring of the query,
// case-insensitively. Returns "" when no port matches. This is a heuristic
// signal only: short port names can match unrelated text, so callers must
// treat the hint as advisory.
func (s *Store) InferPortHint(query string) string {
	t := strings.ToLower(query)
	if t == "" {
		return ""
	}
	for _, alias := range s.aliasOrder {
		if strings.Contains(t, alias) {
			return alias
		}
	}
	return ""
}

// PortListing is one row of the read-only port directory.
type PortListing struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

// List returns distinct ports matching the optional lower-cased substring
// filter, capped at limit. The category of a port's first snippet doubles as
// its region label.
func (s *Store) List(filter string, limit int) []PortListing {
	if limit <= 0 {
		limit = 50
	}
	filter = strings.ToLower(filter)

	seen := make(map[string]bool)
	out := make([]PortListing, 0, limit)
	for _, sn := range s.snippets {
		if sn.Port == "" || seen[sn.Port] {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(sn.Port), filter) {
			continue
		}
		seen[sn.Port] = true
		out = append(out, PortListing{ID: sn.ID, Name: sn.Port, Region: sn.Category})
		if len(out) >= limit {
			break
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
