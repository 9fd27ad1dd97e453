package search

import (
	"sort"
	"strings"

	"github.com/lanshare/lanshare/internal/metadata"
	"github.com/lanshare/lanshare/internal/shares"
	"github.com/lanshare/lanshare/pkg/models"
	"github.com/lanshare/lanshare/pkg/protocol"
)

// Engine is the SearchEngine.
type Engine struct {
	store      *metadata.Store
	policy     *shares.Policy
	opts       Options
	maxResults int
}

// New creates a search engine. maxResults < 0 disables pagination.
func New(store *metadata.Store, policy *shares.Policy, opts Options, maxResults int) *Engine {
	return &Engine{
		store:      store,
		policy:     policy,
		opts:       opts,
		maxResults: maxResults,
	}
}

type hit struct {
	rec       *models.FileRecord
	relevance float64
}

// Search returns the ranked, share-filtered page of records matching query.
func (e *Engine) Search(query string, param protocol.Param, page int) []*models.FileRecord {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	param = param.Normalize()
	words := queryWords(query)

	records := e.store.GetDataFromIndex(e.candidateTokens(words, param), param, 0, 1)

	hits := make([]hit, 0, len(records))
	for _, rec := range records {
		rel, ok := e.relevance(query, words, rec, param)
		if !ok {
			continue
		}
		// The index should already exclude these; check again before
		// anything leaves the daemon.
		if !e.policy.Allowed(rec.Path) {
			continue
		}
		hits = append(hits, hit{rec: rec, relevance: rel})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].relevance != hits[j].relevance {
			return hits[i].relevance > hits[j].relevance
		}
		if hits[i].rec.Name != hits[j].rec.Name {
			return hits[i].rec.Name < hits[j].rec.Name
		}
		return hits[i].rec.ID < hits[j].rec.ID
	})

	return paginate(hits, e.maxResults, page)
}

func (e *Engine) candidateTokens(words []string, param protocol.Param) []string {
	var out []string
	for _, tok := range e.store.GetIndexList(param) {
		for _, w := range words {
			if Score(w, tok, e.opts) <= e.opts.Threshold {
				out = append(out, tok)
				break
			}
		}
	}
	return out
}

func (e *Engine) relevance(query string, words []string, rec *models.FileRecord, param protocol.Param) (float64, bool) {
	nameScore := e.fieldScore(query, words, rec.Name)
	tagScore := 1.0
	for _, tag := range rec.Tags {
		if s := e.fieldScore(query, words, tag); s < tagScore {
			tagScore = s
		}
	}

	nameOK := nameScore <= e.opts.Threshold
	tagOK := tagScore <= e.opts.Threshold

	switch param {
	case protocol.ParamNames:
		return 1 - nameScore, nameOK
	case protocol.ParamTags:
		return 1 - tagScore, tagOK
	}

	if !nameOK && !tagOK {
		return 0, false
	}
	rel := 0.0
	if nameOK {
		rel += e.opts.NameWeight * (1 - nameScore)
	}
	if tagOK {
		rel += e.opts.TagWeight * (1 - tagScore)
	}
	return rel, true
}

// fieldScore is the better of matching the whole query and the mean of
// matching each query word.
func (e *Engine) fieldScore(query string, words []string, text string) float64 {
	best := Score(query, text, e.opts)
	if len(words) > 1 {
		sum := 0.0
		for _, w := range words {
			sum += Score(w, text, e.opts)
		}
		if mean := sum / float64(len(words)); mean < best {
			best = mean
		}
	}
	return best
}

func queryWords(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return []string{strings.ToLower(query)}
	}
	return words
}

func paginate(hits []hit, maxResults, page int) []*models.FileRecord {
	start, end := 0, len(hits)
	if maxResults >= 0 {
		if page < 1 {
			page = 1
		}
		start = (page - 1) * maxResults
		end = start + maxResults
		if start >= len(hits) {
			return []*models.FileRecord{}
		}
		if end > len(hits) {
			end = len(hits)
		}
	}

	out := make([]*models.FileRecord, 0, end-start)
	for _, h := range hits[start:end] {
		out = append(out, h.rec)
	}
	return out
}
