// Package chunk splits documents into the retrievable units the indexes
// store. Boundaries follow the language grammar when tree-sitter can parse
// the document, with line and byte windows as fallbacks.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Strategy selects how a document is split. The strategy is part of the
// store version config, so all documents in a version chunk the same way.
type Strategy string

const (
	// StrategyStructural follows parser-driven boundaries around
	// functions, types, and top-level statements.
	StrategyStructural Strategy = "structural"
	// StrategyLines uses fixed-size line windows with overlap.
	StrategyLines Strategy = "line-window"
	// StrategyBytes uses fixed-size byte windows. Last resort for content
	// without usable line structure.
	StrategyBytes Strategy = "byte-window"
)

// Defaults for the window strategies.
const (
	DefaultMaxLines     = 120
	DefaultOverlapLines = 5
	DefaultByteWindow   = 4096
)

// Options configures a split. Zero values fall back to the defaults.
type Options struct {
	Strategy     Strategy
	MaxLines     int
	OverlapLines int
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyStructural
	}
	if o.MaxLines <= 0 {
		o.MaxLines = DefaultMaxLines
	}
	if o.OverlapLines < 0 || o.OverlapLines >= o.MaxLines {
		o.OverlapLines = DefaultOverlapLines
	}
	return o
}

// Chunk is one retrievable span of a document.
type Chunk struct {
	// ID is stable across reindexes of identical content: it derives from
	// the document hash and the line range.
	ID        string   `json:"id"`
	Path      string   `json:"path"`
	Content   string   `json:"content"`
	Language  string   `json:"language,omitempty"`
	StartLine int      `json:"start_line"` // 1-indexed, inclusive
	EndLine   int      `json:"end_line"`   // inclusive
	Symbols   []string `json:"symbols,omitempty"`
	DocHash   string   `json:"doc_hash"`
	ChunkHash string   `json:"chunk_hash"`
}

// HashContent returns the canonical content hash used for documents and
// chunks.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ChunkID derives the stable id for a span of a document.
func ChunkID(docHash string, startLine, endLine int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", docHash, startLine, endLine)))
	return hex.EncodeToString(sum[:16])
}
