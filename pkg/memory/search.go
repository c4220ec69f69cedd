package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/rs/zerolog"
)

// maxCandidatePool caps how many candidates either sub-search contributes,
// independent of the configured multiplier.
const maxCandidatePool = 200

const maxSnippetChars = 700

// searchEngine ranks indexed chunks for a query. Vector and keyword searches
// run as independent sub-searches; either failing degrades that contribution
// to empty instead of failing the call.
type searchEngine struct {
	settings SearchSettings
	logger   zerolog.Logger
}

type candidate struct {
	chunk        Chunk
	vectorScore  float64
	keywordScore float64
	hasVector    bool
	hasKeyword   bool
	score        float64
}

// Search runs one ranked query. An empty query returns no results. embed is
// nil in keyword-only mode.
func (e *searchEngine) Search(ctx context.Context, store *Store, embed *embedOps, query string, opts SearchOptions) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	start := time.Now()

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = e.settings.MaxResults
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = e.settings.MinScore
	}

	poolSize := maxResults * e.settings.CandidateMultiplier
	if poolSize > maxCandidatePool {
		poolSize = maxCandidatePool
	}

	vectorHits := e.vectorCandidates(ctx, store, embed, query, poolSize)

	// With a backend and fusion disabled, vector results stand alone.
	var keywordHits []keywordHit
	if e.settings.Hybrid || embed == nil {
		keywordHits = e.keywordCandidates(ctx, store, query, poolSize, embed == nil)
	}

	// Weights follow the mode, not which sub-search happened to return
	// hits: in hybrid mode an empty side contributes zero at its configured
	// weight rather than silently renormalizing.
	vw, tw := e.settings.VectorWeight, e.settings.TextWeight
	switch {
	case embed == nil:
		vw, tw = 0, 1
	case !e.settings.Hybrid:
		vw, tw = 1, 0
	}

	candidates, err := e.fuse(ctx, store, vectorHits, keywordHits, vw, tw)
	if err != nil {
		return nil, err
	}

	if e.settings.HalfLifeDays > 0 {
		applyTemporalDecay(candidates, e.settings.HalfLifeDays, time.Now())
	}

	filtered := candidates[:0]
	for _, c := range candidates {
		if c.score >= minScore {
			filtered = append(filtered, c)
		}
	}
	candidates = filtered

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if e.settings.MMRLambda > 0 {
		candidates = mmrSelect(candidates, maxResults, e.settings.MMRLambda)
	}
	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		r := SearchResult{
			Path:      c.chunk.Path,
			Source:    c.chunk.Source,
			StartLine: c.chunk.StartLine,
			EndLine:   c.chunk.EndLine,
			Snippet:   snippetFrom(c.chunk.Text),
			Score:     c.score,
		}
		if c.hasVector {
			v := c.vectorScore
			r.VectorScore = &v
		}
		if c.hasKeyword {
			k := c.keywordScore
			r.KeywordScore = &k
		}
		results = append(results, r)
	}

	observability.RecordSearch(time.Since(start))
	return results, nil
}

// vectorCandidates runs the similarity sub-search. Any failure, including a
// failed query embedding, degrades to an empty contribution.
func (e *searchEngine) vectorCandidates(ctx context.Context, store *Store, embed *embedOps, query string, limit int) []vectorHit {
	if embed == nil || store.VectorSearchErr() != nil {
		return nil
	}

	vec, err := embed.EmbedQuery(ctx, query)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Query embedding failed, vector contribution skipped")
		return nil
	}
	if isZeroVector(vec) {
		e.logger.Debug().Msg("Query embedded to zero vector, vector contribution skipped")
		return nil
	}

	hits, err := store.VectorSearch(ctx, vec, limit)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Vector search failed, contribution skipped")
		return nil
	}
	return hits
}

// keywordCandidates runs the keyword sub-search. In keyword-only mode the
// query is reduced to extracted keywords searched individually, merged by max
// score, which keeps conversational queries useful without embeddings.
func (e *searchEngine) keywordCandidates(ctx context.Context, store *Store, query string, limit int, keywordOnly bool) []keywordHit {
	if store.KeywordSearchErr() != nil {
		return nil
	}

	if !keywordOnly {
		hits, err := store.KeywordSearch(ctx, query, limit)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Keyword search failed, contribution skipped")
			return nil
		}
		return hits
	}

	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		keywords = []string{query}
	}

	best := make(map[string]float64)
	for _, kw := range keywords {
		hits, err := store.KeywordSearch(ctx, kw, limit)
		if err != nil {
			e.logger.Warn().Err(err).Str("keyword", kw).Msg("Keyword search failed")
			continue
		}
		for _, h := range hits {
			if h.score > best[h.id] {
				best[h.id] = h.score
			}
		}
	}

	merged := make([]keywordHit, 0, len(best))
	for id, score := range best {
		merged = append(merged, keywordHit{id: id, score: score})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].score > merged[j].score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// fuse combines the sub-search results: each list is max-normalized, then
// scores blend by the given weights. A chunk found by only one sub-search
// contributes zero from the other.
func (e *searchEngine) fuse(ctx context.Context, store *Store, vectorHits []vectorHit, keywordHits []keywordHit, vw, tw float64) ([]candidate, error) {
	byID := make(map[string]*candidate)

	maxVec := 0.0
	for _, h := range vectorHits {
		if h.similarity > maxVec {
			maxVec = h.similarity
		}
	}
	for _, h := range vectorHits {
		norm := 0.0
		if maxVec > 0 {
			norm = h.similarity / maxVec
		}
		byID[h.id] = &candidate{vectorScore: norm, hasVector: true}
	}

	maxKw := 0.0
	for _, h := range keywordHits {
		if h.score > maxKw {
			maxKw = h.score
		}
	}
	for _, h := range keywordHits {
		norm := 0.0
		if maxKw > 0 {
			norm = h.score / maxKw
		}
		c, ok := byID[h.id]
		if !ok {
			c = &candidate{}
			byID[h.id] = c
		}
		c.keywordScore = norm
		c.hasKeyword = true
	}

	if len(byID) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	chunks, err := store.ChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(byID))
	for id, c := range byID {
		chunk, ok := chunks[id]
		if !ok {
			continue // pruned between search and load
		}
		c.chunk = chunk
		c.score = vw*c.vectorScore + tw*c.keywordScore
		out = append(out, *c)
	}
	return out, nil
}

// applyTemporalDecay multiplies scores by an exponential age decay with the
// given half-life in days.
func applyTemporalDecay(candidates []candidate, halfLifeDays float64, now time.Time) {
	for i := range candidates {
		ageDays := now.Sub(candidates[i].chunk.UpdatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		candidates[i].score *= math.Pow(0.5, ageDays/halfLifeDays)
	}
}

// mmrSelect greedily re-ranks candidates by maximal marginal relevance:
// lambda weights relevance against similarity to already selected results.
// Candidates without embeddings contribute zero similarity and rank purely by
// relevance.
func mmrSelect(candidates []candidate, k int, lambda float64) []candidate {
	if len(candidates) <= 1 {
		return candidates
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	remaining := append([]candidate(nil), candidates...)
	selected := make([]candidate, 0, k)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := 0
		bestScore := math.Inf(-1)
		for i, c := range remaining {
			maxSim := 0.0
			if len(c.chunk.Embedding) > 0 {
				for _, s := range selected {
					if sim := cosineSimilarity(c.chunk.Embedding, s.chunk.Embedding); sim > maxSim {
						maxSim = sim
					}
				}
			}
			score := lambda*c.score - (1-lambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// stopwords excluded during keyword extraction.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "can": {}, "did": {}, "do": {}, "does": {}, "for": {},
	"from": {}, "had": {}, "has": {}, "have": {}, "how": {}, "i": {}, "if": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "me": {}, "my": {}, "not": {},
	"of": {}, "on": {}, "or": {}, "our": {}, "so": {}, "that": {}, "the": {},
	"their": {}, "them": {}, "then": {}, "there": {}, "they": {}, "this": {},
	"to": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {},
	"you": {}, "your": {},
}

// extractKeywords reduces a conversational query to distinct content words.
func extractKeywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	})

	seen := make(map[string]struct{})
	var keywords []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		keywords = append(keywords, f)
	}
	return keywords
}

// snippetFrom trims chunk text to a display snippet.
func snippetFrom(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= maxSnippetChars {
		return text
	}
	cut := text[:maxSnippetChars]
	if idx := strings.LastIndexByte(cut, ' '); idx > maxSnippetChars/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
