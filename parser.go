package ingest

import (
	"context"
	"time"
)

// ParsedContent is the outcome of one successful fetch+decode operation.
// The scheduler only reads the counters; the decoded document itself stays
// with the host's data layer.
type ParsedContent struct {
	// SourceKey identifies the feed this content came from.
	SourceKey string

	// Title is the decoded feed title, when the format carries one.
	Title string

	// ItemCount is the number of articles decoded.
	ItemCount int

	// ByteSize is the size of the retrieved document.
	ByteSize int64

	// FetchedAt is when retrieval completed.
	FetchedAt time.Time
}

// Parser is the external fetch+decode collaborator. Implementations
// retrieve the document behind sourceKey and decode it (RSS, Atom, JSON
// feed). The call is expected to honor ctx cancellation and to apply its
// own timeout and crawl-etiquette policy; a timeout surfaces as an
// ordinary error.
//
// Errors should be wrapped as *Fault (NewNetworkFault, NewDecodeFault)
// where the cause is known; anything else is classified as a network
// fault and retried.
type Parser interface {
	Parse(ctx context.Context, sourceKey string) (*ParsedContent, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(ctx context.Context, sourceKey string) (*ParsedContent, error)

// Parse implements Parser.
func (f ParserFunc) Parse(ctx context.Context, sourceKey string) (*ParsedContent, error) {
	return f(ctx, sourceKey)
}
