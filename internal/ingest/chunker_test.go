package ingest

import (
	"strings"
	"testing"

	"github.com/venia-ai/docsearch/internal/ocr"
)

func paragraph(text string, page int) ocr.Block {
	return ocr.Block{Text: text, Page: page, Layout: ocr.LayoutParagraph, Confidence: 0.95}
}

func TestChunkBlocksRespectsSize(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 100, Overlap: 20})

	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString("This is sentence number one of the catalog. ")
	}
	chunks := c.ChunkBlocks([]ocr.Block{paragraph(sb.String(), 1)})

	if len(chunks) == 0 {
		t.Fatal("expected chunks, got none")
	}
	for i, chunk := range chunks {
		if len(chunk.Content) > 100 {
			t.Errorf("chunk %d has %d chars, limit 100", i, len(chunk.Content))
		}
		if chunk.Sequence != i {
			t.Errorf("chunk %d has sequence %d", i, chunk.Sequence)
		}
	}
}

func TestChunkBlocksOverlapCarriesSentences(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 120, Overlap: 30})

	text := "Alpha products ship in spring. Beta products ship in summer. " +
		"Gamma products ship in autumn. Delta products ship in winter. " +
		"Epsilon products are discontinued."
	chunks := c.ChunkBlocks([]ocr.Block{paragraph(text, 1)})

	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prevSentences := splitSentences(chunks[i-1].Content)
		carried := prevSentences[len(prevSentences)-1]
		if !strings.HasPrefix(chunks[i].Content, carried) {
			t.Errorf("chunk %d does not start with the previous chunk's last sentence\nprev tail: %q\ngot: %q",
				i, carried, chunks[i].Content)
		}
	}
}

func TestChunkBlocksDiscardsEmpty(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 100, Overlap: 10})

	chunks := c.ChunkBlocks([]ocr.Block{
		paragraph("   \n\t  ", 1),
		paragraph("", 1),
		paragraph("Real content here.", 2),
	})

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Content != "Real content here." {
		t.Errorf("content = %q", chunks[0].Content)
	}
	if chunks[0].Page != 2 {
		t.Errorf("page = %d, want 2", chunks[0].Page)
	}
}

func TestChunkBlocksTableAtomic(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 200, Overlap: 20, PreserveLayout: true})

	table := "| SKU | Price |\n| A-1 | 9.99 |\n| A-2 | 19.99 |"
	blocks := []ocr.Block{
		paragraph("Intro text before the price table.", 1),
		{Text: table, Page: 1, Layout: ocr.LayoutTable, Confidence: 0.9},
		paragraph("Closing remarks after the table.", 1),
	}
	chunks := c.ChunkBlocks(blocks)

	found := false
	for _, chunk := range chunks {
		if strings.Contains(chunk.Content, "| A-1 |") {
			found = true
			if !strings.Contains(chunk.Content, "| A-2 |") {
				t.Error("table was split despite fitting in one chunk")
			}
		}
	}
	if !found {
		t.Fatal("table content missing from chunks")
	}
}

func TestChunkBlocksOversizedTableSplitsOnRows(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 80, Overlap: 10, PreserveLayout: true})

	var rows []string
	for i := 0; i < 20; i++ {
		rows = append(rows, "| product-row-with-a-long-name | 19.99 |")
	}
	table := strings.Join(rows, "\n")
	chunks := c.ChunkBlocks([]ocr.Block{{Text: table, Page: 3, Layout: ocr.LayoutTable, Confidence: 0.8}})

	if len(chunks) < 2 {
		t.Fatalf("oversized table should split, got %d chunks", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk.Content) > 80 {
			t.Errorf("chunk %d has %d chars, limit 80", i, len(chunk.Content))
		}
		// Rows must stay whole.
		for _, line := range strings.Split(chunk.Content, "\n") {
			if line != "" && !strings.HasSuffix(line, "|") {
				t.Errorf("chunk %d split a table row: %q", i, line)
			}
		}
	}
}

func TestChunkBlocksOversizedSentence(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 50, Overlap: 10})

	long := strings.Repeat("word ", 60) + "end."
	chunks := c.ChunkBlocks([]ocr.Block{paragraph(long, 1)})

	if len(chunks) < 2 {
		t.Fatalf("oversized sentence should split, got %d chunks", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk.Content) > 50 {
			t.Errorf("chunk %d has %d chars, limit 50", i, len(chunk.Content))
		}
	}
}

func TestChunkConfidenceIsMinimum(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 1000, Overlap: 0})

	chunks := c.ChunkBlocks([]ocr.Block{
		{Text: "High confidence text.", Page: 1, Layout: ocr.LayoutParagraph, Confidence: 0.99},
		{Text: "Low confidence text.", Page: 1, Layout: ocr.LayoutParagraph, Confidence: 0.42},
	})

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Confidence != 0.42 {
		t.Errorf("confidence = %f, want 0.42", chunks[0].Confidence)
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "simple",
			text: "First sentence. Second sentence! Third?",
			want: []string{"First sentence.", "Second sentence!", "Third?"},
		},
		{
			name: "abbreviations",
			text: "Dr. Smith approved the order. Contact Acme Inc. for details.",
			want: []string{"Dr. Smith approved the order.", "Contact Acme Inc. for details."},
		},
		{
			name: "decimals",
			text: "The price is 19.99 per unit. Shipping adds 4.50 more.",
			want: []string{"The price is 19.99 per unit.", "Shipping adds 4.50 more."},
		},
		{
			name: "no trailing period",
			text: "First part. Trailing fragment without punctuation",
			want: []string{"First part.", "Trailing fragment without punctuation"},
		},
		{
			name: "empty",
			text: "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitSentences(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d sentences %q, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sentence %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
