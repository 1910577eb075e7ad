// Package retrieval supplies context snippets for plan authoring, such as
// summaries of earlier analyses over the same dataset.
package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Snippet is one retrieved piece of context.
type Snippet struct {
	Source string
	Text   string
	Score  float64
}

// Retriever finds context for a query. Implementations must treat the
// query as plain text.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Snippet, error)
}

// Noop retrieves nothing; plan authoring then runs without context.
type Noop struct{}

func (Noop) Retrieve(context.Context, string, int) ([]Snippet, error) {
	return nil, nil
}

// Index is a small in-memory keyword index scored by term overlap. It
// covers report recall without pulling in an embedding stack.
type Index struct {
	mu   sync.RWMutex
	docs []indexedDoc
}

type indexedDoc struct {
	source string
	text   string
	terms  map[string]int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{}
}

// Add indexes one document.
func (ix *Index) Add(source, text string) {
	terms := map[string]int{}
	for _, t := range tokenize(text) {
		terms[t]++
	}

	ix.mu.Lock()
	ix.docs = append(ix.docs, indexedDoc{source: source, text: text, terms: terms})
	ix.mu.Unlock()
}

// LoadReports indexes every run report found under the workspace root.
func (ix *Index) LoadReports(root string) error {
	matches, err := filepath.Glob(filepath.Join(root, "run-*", "report.md"))
	if err != nil {
		return fmt.Errorf("scanning reports: %w", err)
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		ix.Add(path, string(data))
	}
	return nil
}

// Retrieve returns up to limit documents sharing terms with the query,
// best match first. Documents with no overlap are omitted.
func (ix *Index) Retrieve(_ context.Context, query string, limit int) ([]Snippet, error) {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []Snippet
	for _, d := range ix.docs {
		score := 0
		for _, t := range queryTerms {
			score += d.terms[t]
		}
		if score == 0 {
			continue
		}
		out = append(out, Snippet{Source: d.source, Text: d.text, Score: float64(score)})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FormatSnippets renders snippets into a prompt context block.
func FormatSnippets(snips []Snippet) string {
	if len(snips) == 0 {
		return ""
	}
	var b strings.Builder
	for i, s := range snips {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", s.Source, strings.TrimSpace(s.Text))
	}
	return b.String()
}

// stopWords are skipped when indexing and querying.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "for": {}, "from": {}, "in": {},
	"of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "with": {},
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := stopWords[f]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}
