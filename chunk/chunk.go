// Package chunk partitions extracted document text into bounded,
// overlapping, deduplicated units for embedding.
//
// Sizes are estimated tokens: ceil(runes/4), no tokenizer. Chunks never span
// pages; StartChar and EndChar are rune offsets into the page text.
package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hazyhaar/docingest/docpipe"
	"github.com/hazyhaar/docingest/observability"
)

// Metadata locates a chunk in its source page.
type Metadata struct {
	PageNumber    int    `json:"page_number"`
	SectionHeader string `json:"section_header,omitempty"`
	StartChar     int    `json:"start_char"`
	EndChar       int    `json:"end_char"`
}

// Chunk is one bounded span of page text.
type Chunk struct {
	Text       string   `json:"text"`
	ChunkIndex int      `json:"chunk_index"`
	TokenCount int      `json:"token_count"`
	TextHash   string   `json:"text_hash"`
	Metadata   Metadata `json:"metadata"`
}

// Result is the output of ChunkDocument. TotalTokens and AvgTokensPerChunk
// are always derived from Chunks.
type Result struct {
	Chunks            []Chunk  `json:"chunks"`
	TotalChunks       int      `json:"total_chunks"`
	TotalTokens       int      `json:"total_tokens"`
	AvgTokensPerChunk int      `json:"avg_tokens_per_chunk"`
	DuplicatesRemoved int      `json:"duplicates_removed"`
	DocumentType      string   `json:"document_type"`
	Config            Profile  `json:"config"`
	Warnings          []string `json:"warnings,omitempty"`
}

// EstimateTokenCount is ceil(runes/4).
func EstimateTokenCount(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// GenerateTextHash is the hex SHA-256 of the trimmed text. It is the dedup
// key and the cache key for whole documents.
func GenerateTextHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// Config configures a Chunker.
type Config struct {
	// Profiles overrides or extends DefaultProfiles by document type.
	Profiles map[string]Profile `json:"profiles" yaml:"profiles"`

	Logger  *slog.Logger          `json:"-" yaml:"-"`
	Emitter observability.Emitter `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table, bad := c.resolve()
	for name, err := range bad {
		logger.Warn("chunk: invalid profile replaced by built-in", "document_type", name, "error", err)
	}
	c.Profiles = table
	c.Logger = logger
	if c.Emitter == nil {
		c.Emitter = observability.NewSlogEmitter(c.Logger)
	}
}

// resolve merges c.Profiles over DefaultProfiles, filling unset sizes and
// strategy from the built-in profile of the same type (or the default
// one). Profiles that are still invalid keep their built-in value and are
// reported in bad.
func (c Config) resolve() (table map[string]Profile, bad map[string]error) {
	table = DefaultProfiles()
	fallback := table[DefaultDocumentType]
	for k, p := range c.Profiles {
		name := normalizeType(k)
		base, ok := table[name]
		if !ok {
			base = fallback
		}
		p = p.fill(base)
		if err := p.Validate(); err != nil {
			if bad == nil {
				bad = make(map[string]error)
			}
			bad[name] = err
			table[name] = base
			continue
		}
		table[name] = p
	}
	return table, bad
}

// Validate checks every profile after unset fields are filled.
func (c Config) Validate() error {
	_, bad := c.resolve()
	names := make([]string, 0, len(bad))
	for name := range bad {
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return fmt.Errorf("profile %q: %w", names[0], bad[names[0]])
}

// Chunker is stateless apart from its profile table and safe for
// concurrent use.
type Chunker struct {
	cfg Config
}

// New creates a Chunker.
func New(cfg Config) *Chunker {
	cfg.defaults()
	return &Chunker{cfg: cfg}
}

// Profile returns the profile for docType, falling back to the default.
func (c *Chunker) Profile(docType string) Profile {
	if p, ok := c.cfg.Profiles[normalizeType(docType)]; ok {
		return p
	}
	return c.cfg.Profiles[DefaultDocumentType]
}

// ChunkDocument chunks every page of res with the profile of docType and
// drops chunks whose hash was already emitted.
func (c *Chunker) ChunkDocument(ctx context.Context, res *docpipe.ExtractionResult, docType string) *Result {
	return c.chunkDocument(ctx, res, docType, c.Profile(docType))
}

// ChunkDocumentWith is ChunkDocument with a caller-supplied profile. Unset
// sizes and strategy of override are taken from the profile of docType; a
// nil override is ChunkDocument.
func (c *Chunker) ChunkDocumentWith(ctx context.Context, res *docpipe.ExtractionResult, docType string, override *Profile) (*Result, error) {
	prof := c.Profile(docType)
	if override != nil {
		prof = override.fill(prof)
		if err := prof.Validate(); err != nil {
			return nil, err
		}
	}
	return c.chunkDocument(ctx, res, docType, prof), nil
}

func (c *Chunker) chunkDocument(ctx context.Context, res *docpipe.ExtractionResult, docType string, prof Profile) *Result {
	out := &Result{Chunks: []Chunk{}, DocumentType: normalizeType(docType), Config: prof}
	if out.DocumentType == "" {
		out.DocumentType = DefaultDocumentType
	}
	if res == nil || strings.TrimSpace(res.Text) == "" {
		return out
	}

	pages := res.Pages
	if len(pages) == 0 {
		pages = []docpipe.PageContent{{PageNumber: 1, Text: res.Text}}
	}
	seen := make(map[string]bool)
	for _, pg := range pages {
		chunks, fallbacks := chunkPage(pg.Text, pg.PageNumber, prof)
		if fallbacks > 0 {
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("page %d: %d passage(s) without sentence boundaries cut at fixed size", pg.PageNumber, fallbacks))
		}
		for _, ch := range chunks {
			if seen[ch.TextHash] {
				out.DuplicatesRemoved++
				continue
			}
			seen[ch.TextHash] = true
			ch.ChunkIndex = len(out.Chunks)
			out.Chunks = append(out.Chunks, ch)
		}
	}
	out.finish()

	c.cfg.Emitter.Emit(ctx, observability.NewEvent(observability.StageChunking, "chunked", true, map[string]any{
		"document_type": out.DocumentType,
		"chunks":        out.TotalChunks,
		"tokens":        out.TotalTokens,
		"duplicates":    out.DuplicatesRemoved,
		"strategy":      string(prof.Strategy),
	}))
	c.cfg.Logger.Debug("document chunked", "chunks", out.TotalChunks, "tokens", out.TotalTokens,
		"duplicates", out.DuplicatesRemoved, "document_type", out.DocumentType)
	return out
}

// ChunkText chunks a single text with the default profile. Duplicates are
// kept; pageNumber below 1 means page 1.
func (c *Chunker) ChunkText(text string, pageNumber int) []Chunk {
	if pageNumber < 1 {
		pageNumber = 1
	}
	chunks, _ := chunkPage(text, pageNumber, c.Profile(DefaultDocumentType))
	for i := range chunks {
		chunks[i].ChunkIndex = i
	}
	return chunks
}

func (r *Result) finish() {
	r.TotalChunks = len(r.Chunks)
	r.TotalTokens = 0
	for _, ch := range r.Chunks {
		r.TotalTokens += ch.TokenCount
	}
	r.AvgTokensPerChunk = 0
	if r.TotalChunks > 0 {
		r.AvgTokensPerChunk = int(math.Round(float64(r.TotalTokens) / float64(r.TotalChunks)))
	}
}

// chunkPage returns the page's chunks in order and the number of passages
// that had to be sliced at fixed size.
func chunkPage(text string, pageNumber int, prof Profile) ([]Chunk, int) {
	r := []rune(text)
	s, e := trimmed(r, 0, len(r))
	if s == e {
		return nil, 0
	}

	var (
		base      []span
		fallbacks int
	)
	if prof.Strategy == StrategyFixed {
		base = sliceFixed(nil, r, s, e, prof.TargetChunkSize, prof.PreserveSentences)
	} else {
		base, fallbacks = pack(r, segment(r), prof)
	}
	base = mergeSmall(base, prof)

	chunks := make([]Chunk, 0, len(base))
	for i, sp := range base {
		start := sp.start
		if i > 0 {
			start = overlapStart(r, base[i-1], sp, prof)
		}
		body := string(r[start:sp.end])
		chunks = append(chunks, Chunk{
			Text:       body,
			TokenCount: tokensIn(start, sp.end),
			TextHash:   GenerateTextHash(body),
			Metadata: Metadata{
				PageNumber:    pageNumber,
				SectionHeader: sectionHeader(r, sp.start),
				StartChar:     start,
				EndChar:       sp.end,
			},
		})
	}
	return chunks, fallbacks
}

// pack groups units into chunks of up to TargetChunkSize. A unit over the
// strategy's limit (MaxChunkSize for semantic, TargetChunkSize for hybrid)
// is sliced at fixed size on its own.
func pack(r []rune, units []span, prof Profile) ([]span, int) {
	limit := prof.TargetChunkSize
	if prof.Strategy == StrategySemantic {
		limit = prof.MaxChunkSize
	}
	var (
		out       []span
		fallbacks int
	)
	cur := span{start: -1}
	flush := func() {
		if cur.start >= 0 {
			out = append(out, cur)
			cur = span{start: -1}
		}
	}
	for _, u := range units {
		if tokensIn(u.start, u.end) > limit {
			flush()
			out = sliceFixed(out, r, u.start, u.end, prof.TargetChunkSize, prof.PreserveSentences)
			fallbacks++
			continue
		}
		switch {
		case cur.start < 0:
			cur = u
		case u.heading && tokensIn(cur.start, cur.end) >= prof.MinChunkSize:
			// Headings open a new chunk.
			flush()
			cur = u
		case tokensIn(cur.start, u.end) > prof.TargetChunkSize:
			flush()
			cur = u
		default:
			cur.end = u.end
		}
	}
	flush()
	return out, fallbacks
}

// sliceFixed appends slices of [start, end) of at most tokens each.
func sliceFixed(out []span, r []rune, start, end, tokens int, snap bool) []span {
	size := max(tokens, 1) * 4
	for start < end {
		start, end = trimmed(r, start, end)
		if start >= end {
			break
		}
		if end-start <= size {
			return appendTrimmed(out, r, start, end, false)
		}
		cut := start + size
		if snap {
			for j := cut; j > start+size/2; j-- {
				if unicode.IsSpace(r[j]) {
					cut = j
					break
				}
			}
		}
		out = appendTrimmed(out, r, start, cut, false)
		start = cut
	}
	return out
}

// mergeSmall folds chunks below MinChunkSize into the previous chunk, or
// the next one, when the result stays within MaxChunkSize.
func mergeSmall(spans []span, prof Profile) []span {
	if len(spans) <= 1 || prof.MinChunkSize <= 0 {
		return spans
	}
	out := make([]span, 0, len(spans))
	for i := 0; i < len(spans); i++ {
		sp := spans[i]
		if tokensIn(sp.start, sp.end) >= prof.MinChunkSize {
			out = append(out, sp)
			continue
		}
		if n := len(out); n > 0 && tokensIn(out[n-1].start, sp.end) <= prof.MaxChunkSize {
			out[n-1].end = sp.end
			continue
		}
		if i+1 < len(spans) && tokensIn(sp.start, spans[i+1].end) <= prof.MaxChunkSize {
			spans[i+1].start = sp.start
			continue
		}
		out = append(out, sp)
	}
	return out
}

// overlapStart moves cur's start back into prev by about OverlapTokens,
// snapped to a word start and capped so the chunk stays within
// MaxChunkSize.
func overlapStart(r []rune, prev, cur span, prof Profile) int {
	if prof.OverlapTokens <= 0 {
		return cur.start
	}
	pos := max(prev.end-prof.OverlapTokens*4, prev.start, cur.end-prof.MaxChunkSize*4)
	for pos < cur.start && pos > 0 && !unicode.IsSpace(r[pos-1]) {
		pos++
	}
	for pos < cur.start && unicode.IsSpace(r[pos]) {
		pos++
	}
	if pos >= cur.start || pos >= prev.end {
		return cur.start
	}
	return pos
}
