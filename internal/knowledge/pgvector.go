package knowledge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/llm"
)

// PgvectorRetriever stores rendered protocol documents with their embeddings
// in Postgres and answers queries by cosine distance.
type PgvectorRetriever struct {
	pool     *pgxpool.Pool
	embedder llm.Embedder
}

// NewPgvectorRetriever connects to the database and bootstraps the schema.
func NewPgvectorRetriever(ctx context.Context, databaseURL string, embedder llm.Embedder) (*PgvectorRetriever, error) {
	if embedder == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "pgvector retriever requires an embedder")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create pgvector pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping pgvector database")
	}

	r := &PgvectorRetriever{pool: pool, embedder: embedder}
	if err := r.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PgvectorRetriever) initSchema(ctx context.Context) error {
	const schema = `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS protocol_documents (
			protocol_id TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			content     TEXT NOT NULL,
			embedding   vector(1536),
			indexed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "bootstrap protocol_documents")
	}
	return nil
}

// Index upserts one document per protocol, embedding the rendered text.
func (r *PgvectorRetriever) Index(ctx context.Context, protocols []Protocol) error {
	const upsert = `
		INSERT INTO protocol_documents (protocol_id, title, content, embedding, indexed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (protocol_id)
		DO UPDATE SET title = EXCLUDED.title, content = EXCLUDED.content,
		              embedding = EXCLUDED.embedding, indexed_at = now()`

	for _, p := range protocols {
		content := p.Render()
		vector, err := r.embedder.Embed(ctx, content)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeLLMFailure, err,
				fmt.Sprintf("embed document for protocol %s", p.ID))
		}
		if _, err := r.pool.Exec(ctx, upsert, p.ID, p.Name, content, pgvector.NewVector(vector)); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err,
				fmt.Sprintf("upsert document for protocol %s", p.ID))
		}
	}
	return nil
}

// Search embeds the query and returns the closest documents by cosine
// distance. Similarity is reported as 1 - distance.
func (r *PgvectorRetriever) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 4
	}
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLLMFailure, err, "embed retrieval query")
	}

	const search = `
		SELECT protocol_id, title, content, 1 - (embedding <=> $1) AS similarity
		FROM protocol_documents
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`

	rows, err := r.pool.Query(ctx, search, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRetrievalFailure, err, "search protocol documents")
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ProtocolID, &doc.Title, &doc.Content, &doc.Score); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeRetrievalFailure, err, "scan protocol document")
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRetrievalFailure, err, "iterate protocol documents")
	}
	return docs, nil
}

// Close releases the connection pool.
func (r *PgvectorRetriever) Close() {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
}

var _ Retriever = (*PgvectorRetriever)(nil)
