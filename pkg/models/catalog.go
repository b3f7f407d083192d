// Package models lists the free-tier model catalog exposed by the upstream
// API. The host UI renders catalog entries rather than errors, so failures
// surface as a single error-shaped entry.
package models

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is one selectable model as shown to the host UI.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Catalog fetches and filters the upstream model list.
type Catalog struct {
	BaseURL    string
	APIKey     string
	NamePrefix string // prepended to display names, e.g. "OpenRouter/"
	FreeSuffix string // display-name suffix marking free-tier models, e.g. "(free)"

	// Include and Exclude are doublestar patterns matched against model IDs
	// (which are slash-separated, e.g. "meta-llama/llama-3-8b:free").
	// Empty Include admits everything; Exclude wins over Include.
	Include []string
	Exclude []string

	HTTPClient *http.Client
}

type wireModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireCatalog struct {
	Data []wireModel `json:"data"`
}

// List returns the filtered, sorted catalog. On a missing key or fetch
// failure it returns a single error entry.
func (c *Catalog) List(ctx context.Context) []Entry {
	if c.APIKey == "" {
		return []Entry{{ID: "error", Name: "Global API key not provided."}}
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/models", nil)
	if err != nil {
		return errorEntry(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errorEntry(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return []Entry{{ID: "error", Name: fmt.Sprintf("Could not fetch models: HTTP %d", resp.StatusCode)}}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorEntry(err)
	}

	var catalog wireCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return errorEntry(err)
	}

	var entries []Entry
	for _, m := range catalog.Data {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		if !strings.HasSuffix(name, c.FreeSuffix) {
			continue
		}
		if !c.admits(m.ID) {
			continue
		}
		entries = append(entries, Entry{
			ID:   m.ID,
			Name: fmt.Sprintf("%s%s (Retry)", c.NamePrefix, name),
		})
	}

	// Sort by the part after the provider prefix, case-insensitively.
	sort.SliceStable(entries, func(i, j int) bool {
		return sortKey(entries[i].Name) < sortKey(entries[j].Name)
	})

	return entries
}

func (c *Catalog) admits(id string) bool {
	if matchAny(c.Exclude, id) {
		return false
	}
	if len(c.Include) == 0 {
		return true
	}
	return matchAny(c.Include, id)
}

// matchAny tries doublestar glob matching first, then substring matching
// for patterns without glob metacharacters.
func matchAny(patterns []string, id string) bool {
	for _, p := range patterns {
		if strings.ContainsAny(p, "*?[{") {
			if ok, err := doublestar.Match(p, id); err == nil && ok {
				return true
			}
			continue
		}
		if strings.Contains(id, p) {
			return true
		}
	}
	return false
}

func sortKey(name string) string {
	if _, rest, ok := strings.Cut(name, "/"); ok {
		return strings.ToLower(rest)
	}
	return strings.ToLower(name)
}

func errorEntry(err error) []Entry {
	return []Entry{{ID: "error", Name: fmt.Sprintf("Could not fetch models from upstream: %v", err)}}
}
