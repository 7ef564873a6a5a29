package worker

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/spf13/afero"
)

// Snippet is a piece of context returned by a Retriever.
type Snippet struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Retriever supplies planning context for a task. It is called before the
// worker asks for any transition, never while a store lock is held.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]Snippet, error)
}

// NopRetriever returns no context.
type NopRetriever struct{}

func (NopRetriever) Query(context.Context, string, int) ([]Snippet, error) { return nil, nil }

// DocRetriever scores markdown paragraphs under a directory by term overlap
// with the query.
type DocRetriever struct {
	fs  afero.Fs
	dir string
}

// NewDocRetriever searches *.md files under dir on fsys.
func NewDocRetriever(fsys afero.Fs, dir string) *DocRetriever {
	return &DocRetriever{fs: fsys, dir: dir}
}

// Query returns up to k paragraphs sharing the most terms with text.
func (r *DocRetriever) Query(ctx context.Context, text string, k int) ([]Snippet, error) {
	if k <= 0 {
		return nil, nil
	}
	want := terms(text)
	if len(want) == 0 {
		return nil, nil
	}

	var hits []Snippet
	err := afero.Walk(r.fs, r.dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		data, err := afero.ReadFile(r.fs, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, _ := filepath.Rel(r.dir, path)
		for _, para := range strings.Split(string(data), "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			if score := overlap(want, terms(para)); score > 0 {
				hits = append(hits, Snippet{Content: para, Source: rel, Score: score})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", r.dir, err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func terms(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}

// overlap is the fraction of query terms present in the paragraph.
func overlap(query, para map[string]struct{}) float64 {
	n := 0
	for t := range query {
		if _, ok := para[t]; ok {
			n++
		}
	}
	return float64(n) / float64(len(query))
}
