// Package resolver maps extracted listing names to property ids. The index is
// rebuilt fresh for every job invocation; lookups are exact over a normalized
// form, never fuzzy.
package resolver

import (
	"context"
	"strings"

	"hostsync/internal/models"
)

// PropertyDirectory is the read-only source of property names.
type PropertyDirectory interface {
	ListActiveProperties(ctx context.Context) ([]models.Property, error)
}

// Index is an immutable snapshot of normalized listing name -> property id.
type Index struct {
	byName map[string]int64
}

// Build loads the directory and constructs the lookup index.
func Build(ctx context.Context, dir PropertyDirectory) (*Index, error) {
	props, err := dir.ListActiveProperties(ctx)
	if err != nil {
		return nil, err
	}

	idx := &Index{byName: make(map[string]int64, len(props))}
	for _, p := range props {
		idx.byName[Normalize(p.Name)] = p.ID
	}
	return idx, nil
}

// Resolve returns the property id for a listing name, or false when the
// normalized name is unknown.
func (idx *Index) Resolve(listingName string) (int64, bool) {
	id, ok := idx.byName[Normalize(listingName)]
	return id, ok
}

// Len reports the number of indexed properties.
func (idx *Index) Len() int {
	return len(idx.byName)
}

var quoteFolder = strings.NewReplacer(
	"‘", "'", "’", "'",
	"“", `"`, "”", `"`,
	" ", " ",
)

// Normalize folds unicode quotes, collapses whitespace and case-folds, so the
// same listing spelled slightly differently in mail and directory still
// matches exactly.
func Normalize(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(quoteFolder.Replace(name)), " "))
}
