package chunk

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Chunker splits documents according to per-version options.
type Chunker struct {
	opts Options
}

// New creates a chunker with the given options.
func New(opts Options) *Chunker {
	return &Chunker{opts: opts.withDefaults()}
}

// Split chunks one document. Empty content yields no chunks. The structural
// strategy degrades to line windows when the language is unsupported or the
// parse fails, and line windows degrade to byte windows when the content has
// no usable line structure.
func (c *Chunker) Split(ctx context.Context, path string, content []byte, language string) ([]Chunk, error) {
	if len(content) == 0 {
		return nil, nil
	}
	docHash := HashContent(content)
	lang := DetectLanguage(language, path)

	switch c.opts.Strategy {
	case StrategyStructural:
		if lang != "" {
			if chunks, err := c.structural(ctx, path, content, docHash, lang); err == nil {
				return chunks, nil
			}
		}
		return c.lineWindows(path, content, docHash, lang), nil
	case StrategyLines:
		return c.lineWindows(path, content, docHash, lang), nil
	default:
		return c.byteWindows(path, content, docHash, lang), nil
	}
}

// splitLines breaks content into lines keeping terminators, so joining the
// pieces reproduces the document byte for byte.
func splitLines(content []byte) []string {
	var lines []string
	start := 0
	for i, b := range content {
		if b == '\n' {
			lines = append(lines, string(content[start:i+1]))
			start = i + 1
		}
	}
	if start < len(content) {
		lines = append(lines, string(content[start:]))
	}
	return lines
}

func (c *Chunker) makeChunk(path, docHash, lang string, lines []string, startLine, endLine int) Chunk {
	content := strings.Join(lines[startLine-1:endLine], "")
	return Chunk{
		ID:        ChunkID(docHash, startLine, endLine),
		Path:      path,
		Content:   content,
		Language:  lang,
		StartLine: startLine,
		EndLine:   endLine,
		DocHash:   docHash,
		ChunkHash: HashContent([]byte(content)),
	}
}

// lineWindows emits fixed-size windows advancing by MaxLines-OverlapLines.
func (c *Chunker) lineWindows(path string, content []byte, docHash, lang string) []Chunk {
	lines := splitLines(content)
	if len(lines) == 0 {
		return c.byteWindows(path, content, docHash, lang)
	}
	// A document that is one enormous line carries no line structure worth
	// windowing over.
	if len(lines) == 1 && len(lines[0]) > DefaultByteWindow {
		return c.byteWindows(path, content, docHash, lang)
	}

	step := c.opts.MaxLines - c.opts.OverlapLines
	var chunks []Chunk
	for start := 1; start <= len(lines); start += step {
		end := start + c.opts.MaxLines - 1
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, c.makeChunk(path, docHash, lang, lines, start, end))
		if end == len(lines) {
			break
		}
	}
	return chunks
}

// byteWindows emits fixed-size byte windows with no overlap. Line numbers
// still track newline positions so ranges stay meaningful.
func (c *Chunker) byteWindows(path string, content []byte, docHash, lang string) []Chunk {
	var chunks []Chunk
	line := 1
	for start := 0; start < len(content); start += DefaultByteWindow {
		end := start + DefaultByteWindow
		if end > len(content) {
			end = len(content)
		}
		piece := content[start:end]
		startLine := line
		for _, b := range piece {
			if b == '\n' {
				line++
			}
		}
		text := string(piece)
		chunks = append(chunks, Chunk{
			ID:        ChunkID(docHash, startLine, line),
			Path:      path,
			Content:   text,
			Language:  lang,
			StartLine: startLine,
			EndLine:   line,
			DocHash:   docHash,
			ChunkHash: HashContent(piece),
		})
	}
	return chunks
}

// structural parses the document and cuts at top-level declaration
// boundaries, merging short regions up to MaxLines and splitting oversized
// ones into line windows. Regions tile the document, so coverage is total
// and overlap only appears inside oversized-region splits.
func (c *Chunker) structural(ctx context.Context, path string, content []byte, docHash, lang string) ([]Chunk, error) {
	spec := languages[lang]
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(spec.language)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()
	root := tree.RootNode()

	lines := splitLines(content)
	if len(lines) == 0 {
		return nil, nil
	}

	boundaries := topLevelBoundaries(root, len(lines))
	regions := mergeRegions(boundaries, len(lines), c.opts.MaxLines)

	var chunks []Chunk
	for _, reg := range regions {
		if reg.end-reg.start+1 > c.opts.MaxLines {
			chunks = append(chunks, c.splitOversized(path, docHash, lang, lines, reg)...)
			continue
		}
		chunks = append(chunks, c.makeChunk(path, docHash, lang, lines, reg.start, reg.end))
	}

	attachSymbols(chunks, root, spec, content)
	return chunks, nil
}

type region struct{ start, end int } // 1-indexed, inclusive

// topLevelBoundaries returns the sorted start lines of the root's children.
// The gaps between declarations (comments, imports, blank runs) attach to
// the declaration that follows them only when no declaration precedes;
// otherwise they trail the previous one.
func topLevelBoundaries(root *sitter.Node, totalLines int) []int {
	starts := []int{1}
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		line := int(child.StartPoint().Row) + 1
		if line > totalLines {
			line = totalLines
		}
		if line > starts[len(starts)-1] {
			starts = append(starts, line)
		}
	}
	return starts
}

// mergeRegions greedily merges adjacent boundary spans while they fit in
// maxLines, yielding a tiling of [1, totalLines].
func mergeRegions(starts []int, totalLines, maxLines int) []region {
	var regions []region
	cur := region{start: starts[0], end: 0}
	for i := 0; i < len(starts); i++ {
		end := totalLines
		if i+1 < len(starts) {
			end = starts[i+1] - 1
		}
		if cur.end != 0 && end-cur.start+1 > maxLines {
			regions = append(regions, cur)
			cur = region{start: cur.end + 1}
		}
		cur.end = end
	}
	regions = append(regions, cur)
	return regions
}

// splitOversized cuts a region larger than MaxLines into overlapping line
// windows confined to the region.
func (c *Chunker) splitOversized(path, docHash, lang string, lines []string, reg region) []Chunk {
	step := c.opts.MaxLines - c.opts.OverlapLines
	var chunks []Chunk
	for start := reg.start; start <= reg.end; start += step {
		end := start + c.opts.MaxLines - 1
		if end > reg.end {
			end = reg.end
		}
		chunks = append(chunks, c.makeChunk(path, docHash, lang, lines, start, end))
		if end == reg.end {
			break
		}
	}
	return chunks
}

// attachSymbols walks the tree once and assigns declaration names to every
// chunk whose line range contains the declaration start.
func attachSymbols(chunks []Chunk, root *sitter.Node, spec *languageSpec, source []byte) {
	if len(chunks) == 0 {
		return
	}
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if _, ok := spec.declTypes[n.Type()]; ok {
			if name := declName(n, spec, source); name != "" {
				line := int(n.StartPoint().Row) + 1
				for i := range chunks {
					if line >= chunks[i].StartLine && line <= chunks[i].EndLine {
						chunks[i].Symbols = append(chunks[i].Symbols, name)
					}
				}
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
}

// declName finds the declaration's name: first a direct child of a name
// type, then the first match one level deeper (type_declaration wraps its
// name inside a type_spec).
func declName(n *sitter.Node, spec *languageSpec, source []byte) string {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if _, ok := spec.nameTypes[child.Type()]; ok {
			return child.Content(source)
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		for j := 0; j < int(child.NamedChildCount()); j++ {
			inner := child.NamedChild(j)
			if _, ok := spec.nameTypes[inner.Type()]; ok {
				return inner.Content(source)
			}
		}
	}
	return ""
}
