// Package ocr extracts text blocks from uploaded documents via the OCR
// service. The service runs GPU-bound work, so callers gate concurrency with
// a semaphore at the coordinator level.
package ocr

import (
	"context"

	"github.com/venia-ai/docsearch/internal/repository"
)

// Layout classifications attached to extracted blocks.
const (
	LayoutParagraph = "paragraph"
	LayoutHeading   = "heading"
	LayoutTable     = "table"
	LayoutList      = "list"
)

// Block is one extracted region of text in reading order
type Block struct {
	Text       string
	Page       int
	Layout     string
	Confidence float32
}

// Engine extracts ordered text blocks from raw document bytes
type Engine interface {
	Extract(ctx context.Context, data []byte, format repository.DocumentFormat) ([]Block, error)
}
