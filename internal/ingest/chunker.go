// Package ingest turns uploaded documents into indexed chunks: it coordinates
// OCR, chunking, embedding, and index/metadata writes, and runs the worker
// pool that drives documents through that pipeline.
package ingest

import (
	"strings"
	"unicode"

	"github.com/venia-ai/docsearch/internal/ocr"
)

// Chunk is one bounded piece of a document's text, ready for embedding
type Chunk struct {
	Content          string
	Sequence         int
	Page             int
	Layout           string
	Confidence       float32
	PreservingLayout bool
}

// ChunkerConfig controls chunk sizing.
type ChunkerConfig struct {
	// ChunkSize is the maximum chunk length in characters (default 1000).
	ChunkSize int

	// Overlap is the approximate number of characters carried into the next
	// chunk, realized as the last one or two sentences (default 100).
	Overlap int

	// PreserveLayout keeps tables, lists and headings atomic when they fit
	// and never ends a chunk mid-sentence.
	PreserveLayout bool
}

// Chunker splits OCR output into overlapping chunks
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a Chunker with the given configuration
func NewChunker(config ChunkerConfig) *Chunker {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1000
	}
	if config.Overlap < 0 {
		config.Overlap = 100
	}
	if config.Overlap >= config.ChunkSize {
		config.Overlap = config.ChunkSize / 10
	}
	return &Chunker{config: config}
}

// builder accumulates sentences for the chunk under construction.
type builder struct {
	sentences  []string
	length     int
	page       int
	layout     string
	confidence float32
	started    bool
}

func (b *builder) add(sentence string, blk ocr.Block) {
	if !b.started {
		b.page = blk.Page
		b.layout = blk.Layout
		b.confidence = blk.Confidence
		b.started = true
	} else if blk.Confidence < b.confidence {
		// A chunk is only as trustworthy as its worst block.
		b.confidence = blk.Confidence
	}
	b.sentences = append(b.sentences, sentence)
	b.length += len(sentence) + 1
}

func (b *builder) reset() {
	b.sentences = nil
	b.length = 0
	b.started = false
}

// ChunkBlocks splits ordered OCR blocks into chunks of at most ChunkSize
// characters. Consecutive chunks overlap by roughly Overlap characters,
// produced by carrying the last one or two sentences forward. Whitespace-only
// blocks are discarded; sequence numbers are monotonic from zero.
func (c *Chunker) ChunkBlocks(blocks []ocr.Block) []Chunk {
	var chunks []Chunk
	cur := &builder{}

	flush := func() {
		if !cur.started {
			return
		}
		content := strings.TrimSpace(strings.Join(cur.sentences, " "))
		if content == "" {
			cur.reset()
			return
		}
		chunks = append(chunks, Chunk{
			Content:          content,
			Sequence:         len(chunks),
			Page:             cur.page,
			Layout:           cur.layout,
			Confidence:       cur.confidence,
			PreservingLayout: c.config.PreserveLayout,
		})

		// Carry trailing sentences into the next chunk as overlap.
		carried := c.overlapTail(cur.sentences)
		page, layout, confidence := cur.page, cur.layout, cur.confidence
		cur.reset()
		for _, s := range carried {
			cur.add(s, ocr.Block{Page: page, Layout: layout, Confidence: confidence})
		}
	}

	for _, blk := range blocks {
		text := strings.TrimSpace(blk.Text)
		if text == "" {
			continue
		}

		if c.config.PreserveLayout && atomicLayout(blk.Layout) {
			c.addAtomic(blk, text, cur, flush)
			continue
		}

		for _, sentence := range splitSentences(text) {
			c.addSentence(blk, sentence, cur, flush)
		}
	}
	flush()

	return chunks
}

// addSentence appends one sentence, flushing first when it would overflow.
func (c *Chunker) addSentence(blk ocr.Block, sentence string, cur *builder, flush func()) {
	if len(sentence) > c.config.ChunkSize {
		// A sentence too long for any chunk is split on word boundaries.
		flush()
		cur.reset() // oversized pieces carry no overlap
		for _, piece := range splitByWords(sentence, c.config.ChunkSize) {
			cur.add(piece, blk)
			flush()
			cur.reset()
		}
		return
	}

	if cur.started && cur.length+len(sentence) > c.config.ChunkSize {
		flush()
		// Overlap plus a large sentence can still overflow; drop the carry.
		if cur.length+len(sentence) > c.config.ChunkSize {
			cur.reset()
		}
	}
	cur.add(sentence, blk)
}

// addAtomic places a table, list, or heading block without splitting it
// unless it cannot fit a chunk on its own, in which case it splits on its
// line (row or item) boundaries.
func (c *Chunker) addAtomic(blk ocr.Block, text string, cur *builder, flush func()) {
	if cur.started && cur.length+len(text) > c.config.ChunkSize {
		flush()
		cur.reset() // atomic blocks start clean, no sentence carry
	}

	if len(text) <= c.config.ChunkSize {
		cur.add(text, blk)
		if blk.Layout == ocr.LayoutTable || blk.Layout == ocr.LayoutList {
			// Keep the block alone in its chunk so it stays intact.
			flush()
			cur.reset()
		}
		return
	}

	// Split an oversized table or list on row/item boundaries.
	var part []string
	partLen := 0
	for _, line := range strings.Split(text, "\n") {
		if partLen+len(line)+1 > c.config.ChunkSize && partLen > 0 {
			cur.add(strings.Join(part, "\n"), blk)
			flush()
			cur.reset()
			part, partLen = nil, 0
		}
		part = append(part, line)
		partLen += len(line) + 1
	}
	if len(part) > 0 {
		cur.add(strings.Join(part, "\n"), blk)
		flush()
		cur.reset()
	}
}

// overlapTail returns the last one or two sentences totalling roughly the
// configured overlap.
func (c *Chunker) overlapTail(sentences []string) []string {
	if c.config.Overlap <= 0 || len(sentences) == 0 {
		return nil
	}

	last := sentences[len(sentences)-1]
	if len(last) >= c.config.Overlap || len(sentences) < 2 {
		if len(last) > c.config.ChunkSize/2 {
			return nil // carrying it would dominate the next chunk
		}
		return []string{last}
	}

	prev := sentences[len(sentences)-2]
	if len(prev)+len(last) > c.config.ChunkSize/2 {
		return []string{last}
	}
	return []string{prev, last}
}

func atomicLayout(layout string) bool {
	switch layout {
	case ocr.LayoutTable, ocr.LayoutList, ocr.LayoutHeading:
		return true
	}
	return false
}

// abbreviations that end with a period but do not end a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"inc": true, "ltd": true, "co": true, "corp": true,
	"vs": true, "etc": true, "e.g": true, "i.e": true, "no": true,
	"fig": true, "vol": true, "approx": true,
}

// splitSentences splits text on sentence boundaries, guarding against common
// abbreviations and decimal numbers.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}

		// Decimal number: digit on both sides of the period.
		if r == '.' && i > 0 && i+1 < len(runes) &&
			unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
			continue
		}

		// Abbreviation check on the word preceding the period.
		if r == '.' && isAbbreviation(runes, i) {
			continue
		}

		// Sentence ends only if followed by whitespace (or end of text).
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}

		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}

	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func isAbbreviation(runes []rune, period int) bool {
	end := period
	start := end
	for start > 0 && (unicode.IsLetter(runes[start-1]) || runes[start-1] == '.') {
		start--
	}
	word := strings.ToLower(strings.TrimSuffix(string(runes[start:end]), "."))
	return abbreviations[word]
}

// splitByWords splits text into pieces of at most size characters on word
// boundaries, falling back to a hard cut for single oversized words.
func splitByWords(text string, size int) []string {
	words := strings.Fields(text)
	var pieces []string
	var part []string
	partLen := 0

	for _, w := range words {
		for len(w) > size {
			if partLen > 0 {
				pieces = append(pieces, strings.Join(part, " "))
				part, partLen = nil, 0
			}
			pieces = append(pieces, w[:size])
			w = w[size:]
		}
		if w == "" {
			continue
		}
		if partLen+len(w)+1 > size && partLen > 0 {
			pieces = append(pieces, strings.Join(part, " "))
			part, partLen = nil, 0
		}
		part = append(part, w)
		partLen += len(w) + 1
	}
	if len(part) > 0 {
		pieces = append(pieces, strings.Join(part, " "))
	}
	return pieces
}
