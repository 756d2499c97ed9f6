package chunk

import (
	"fmt"
	"strings"
)

// Strategy selects how page text is cut into chunks.
type Strategy string

const (
	// StrategyFixed slices by token budget and ignores sentences.
	StrategyFixed Strategy = "fixed"
	// StrategySemantic packs whole sentences; only a sentence longer than
	// MaxChunkSize is sliced.
	StrategySemantic Strategy = "semantic"
	// StrategyHybrid packs sentences but slices any run without a sentence
	// boundary within TargetChunkSize.
	StrategyHybrid Strategy = "hybrid"
)

// DefaultDocumentType is the profile used for unknown categories.
const DefaultDocumentType = "default"

// Profile is the chunking configuration for one document category. Sizes
// are in estimated tokens.
type Profile struct {
	TargetChunkSize int      `json:"target_chunk_size" yaml:"target_chunk_size"`
	MaxChunkSize    int      `json:"max_chunk_size" yaml:"max_chunk_size"`
	OverlapTokens   int      `json:"overlap_tokens" yaml:"overlap_tokens"`
	Strategy        Strategy `json:"strategy" yaml:"strategy"`

	// PreserveSentences makes fixed-size cuts back off to the last word
	// boundary. When false, cuts fall exactly on the token budget.
	PreserveSentences bool `json:"preserve_sentences" yaml:"preserve_sentences"`

	// MinChunkSize is the floor below which a chunk is merged into a
	// neighbour on the same page.
	MinChunkSize int `json:"min_chunk_size" yaml:"min_chunk_size"`
}

// DefaultProfiles returns the built-in category table.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		DefaultDocumentType: {TargetChunkSize: 400, MaxChunkSize: 800, OverlapTokens: 50, Strategy: StrategyHybrid, PreserveSentences: true, MinChunkSize: 50},
		"passport":          {TargetChunkSize: 100, MaxChunkSize: 200, OverlapTokens: 0, Strategy: StrategyFixed, PreserveSentences: false, MinChunkSize: 10},
		"id_card":           {TargetChunkSize: 100, MaxChunkSize: 200, OverlapTokens: 0, Strategy: StrategyFixed, PreserveSentences: false, MinChunkSize: 10},
		"invoice":           {TargetChunkSize: 200, MaxChunkSize: 400, OverlapTokens: 25, Strategy: StrategyHybrid, PreserveSentences: true, MinChunkSize: 25},
		"receipt":           {TargetChunkSize: 200, MaxChunkSize: 400, OverlapTokens: 25, Strategy: StrategyHybrid, PreserveSentences: true, MinChunkSize: 25},
		"legal":             {TargetChunkSize: 500, MaxChunkSize: 1000, OverlapTokens: 100, Strategy: StrategySemantic, PreserveSentences: true, MinChunkSize: 50},
		"contract":          {TargetChunkSize: 500, MaxChunkSize: 1000, OverlapTokens: 100, Strategy: StrategySemantic, PreserveSentences: true, MinChunkSize: 50},
	}
}

// Validate checks the size relations of p.
func (p Profile) Validate() error {
	switch {
	case p.TargetChunkSize <= 0:
		return fmt.Errorf("chunk: target_chunk_size must be positive, got %d", p.TargetChunkSize)
	case p.MaxChunkSize < p.TargetChunkSize:
		return fmt.Errorf("chunk: max_chunk_size %d below target %d", p.MaxChunkSize, p.TargetChunkSize)
	case p.OverlapTokens < 0 || p.OverlapTokens >= p.TargetChunkSize:
		return fmt.Errorf("chunk: overlap_tokens %d must be in [0, %d)", p.OverlapTokens, p.TargetChunkSize)
	case p.MinChunkSize < 0 || p.MinChunkSize > p.TargetChunkSize:
		return fmt.Errorf("chunk: min_chunk_size %d must be in [0, %d]", p.MinChunkSize, p.TargetChunkSize)
	}
	switch p.Strategy {
	case StrategyFixed, StrategySemantic, StrategyHybrid:
		return nil
	}
	return fmt.Errorf("chunk: unknown strategy %q", p.Strategy)
}

// fill takes unset sizes and strategy from base. Overlap, the merge floor
// and sentence snapping keep their zero values, which are meaningful.
func (p Profile) fill(base Profile) Profile {
	if p.TargetChunkSize == 0 {
		p.TargetChunkSize = base.TargetChunkSize
	}
	if p.MaxChunkSize == 0 {
		p.MaxChunkSize = max(base.MaxChunkSize, p.TargetChunkSize)
	}
	if p.Strategy == "" {
		p.Strategy = base.Strategy
	}
	return p
}

func normalizeType(docType string) string {
	return strings.ToLower(strings.TrimSpace(docType))
}
