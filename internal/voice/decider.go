// Package voice matches free text to the closest pre-recorded voice line by
// embedding cosine similarity over a cached vector library.
package voice

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/quailyquaily/personabot/providers/dashscope"
)

// DefaultThreshold is the minimum cosine similarity for a match.
const DefaultThreshold = 0.712

type entry struct {
	Name    string
	Content string
}

type Decider struct {
	embedder dashscope.Embedder
	entries  []entry
	// vectors is index-aligned with entries: row i embeds entries[i].Content.
	vectors [][]float64
	logger  *slog.Logger
}

// Load builds a decider from the CSV library at csvPath (columns: name,
// content). Vectors come from the cache file next to the CSV when present
// and row-aligned, otherwise from one embedding call per row; a fresh build
// is written back to the cache. Deleting the cache file invalidates it.
func Load(ctx context.Context, csvPath string, embedder dashscope.Embedder, logger *slog.Logger) (*Decider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := readLibrary(csvPath)
	if err != nil {
		return nil, err
	}

	d := &Decider{embedder: embedder, entries: entries, logger: logger}

	cachePath := vectorCachePath(csvPath)
	if vectors, err := readCache(cachePath); err == nil && len(vectors) == len(entries) {
		logger.Info("voice_library_cache_loaded", "path", cachePath, "rows", len(vectors))
		d.vectors = vectors
		return d, nil
	} else if err == nil {
		logger.Warn("voice_library_cache_stale", "path", cachePath, "cached_rows", len(vectors), "csv_rows", len(entries))
	}

	if err := d.build(ctx, cachePath); err != nil {
		return nil, err
	}
	return d, nil
}

func vectorCachePath(csvPath string) string {
	stem := strings.TrimSuffix(filepath.Base(csvPath), filepath.Ext(csvPath))
	return filepath.Join(filepath.Dir(csvPath), stem+"_vectors.json")
}

func readLibrary(csvPath string) ([]entry, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("open voice library: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse voice library: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("voice library %s is empty", csvPath)
	}

	header := rows[0]
	nameIdx, contentIdx := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(strings.ToLower(col)) {
		case "name":
			nameIdx = i
		case "content":
			contentIdx = i
		}
	}
	if nameIdx < 0 || contentIdx < 0 {
		return nil, fmt.Errorf("voice library %s needs name and content columns", csvPath)
	}

	entries := make([]entry, 0, len(rows)-1)
	for _, row := range rows[1:] {
		entries = append(entries, entry{Name: row[nameIdx], Content: row[contentIdx]})
	}
	return entries, nil
}

func readCache(path string) ([][]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var vectors [][]float64
	if err := json.Unmarshal(raw, &vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

// build embeds every row sequentially. Any row failure aborts the build:
// skipping a row would break the row/vector index alignment the matcher
// depends on.
func (d *Decider) build(ctx context.Context, cachePath string) error {
	d.logger.Info("voice_library_building", "rows", len(d.entries))
	vectors := make([][]float64, 0, len(d.entries))
	for i, e := range d.entries {
		vec, err := d.embedder.Embed(ctx, e.Content)
		if err != nil {
			return fmt.Errorf("embed voice line %d (%s): %w", i, e.Name, err)
		}
		vectors = append(vectors, vec)
		d.logger.Debug("voice_library_row_embedded", "index", i, "name", e.Name)
	}

	raw, err := json.Marshal(vectors)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cachePath, raw, 0o644); err != nil {
		return fmt.Errorf("write vector cache: %w", err)
	}
	d.logger.Info("voice_library_cache_saved", "path", cachePath)
	d.vectors = vectors
	return nil
}

// Match embeds the query and returns the clip name of the best-scoring row
// when its cosine similarity reaches the threshold (<= 0 uses the default).
// Ties break on the first-occurring maximum. Embedding failure means no
// match, never an error.
func (d *Decider) Match(ctx context.Context, query string, threshold float64) string {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	queryVec, err := d.embedder.Embed(ctx, query)
	if err != nil {
		d.logger.Warn("voice_query_embed_failed", "error", err.Error())
		return ""
	}

	bestIdx, bestScore := -1, math.Inf(-1)
	for i, vec := range d.vectors {
		score := cosine(vec, queryVec)
		if score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestIdx < 0 {
		return ""
	}

	d.logger.Debug("voice_match",
		"query", query,
		"best", d.entries[bestIdx].Content,
		"score", bestScore,
	)
	if bestScore >= threshold {
		return d.entries[bestIdx].Name
	}
	return ""
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
