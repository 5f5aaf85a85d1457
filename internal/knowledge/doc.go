// Package knowledge maintains the yield protocol catalog and answers
// retrieval queries over it. The catalog is fetched from a remote endpoint,
// rendered to documents and indexed by a Retriever; the pgvector retriever
// persists embeddings while the memory retriever scores keyword overlap.
package knowledge
