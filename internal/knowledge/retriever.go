package knowledge

import "context"

// Document is a retriever hit handed to the language model as context.
type Document struct {
	ProtocolID string
	Title      string
	Content    string
	Score      float64
}

// Retriever indexes the protocol catalog and answers similarity queries.
type Retriever interface {
	Index(ctx context.Context, protocols []Protocol) error
	Search(ctx context.Context, query string, limit int) ([]Document, error)
}
