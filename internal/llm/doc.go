// Package llm defines the interfaces used to talk to hosted language models.
// Concrete providers live in subpackages.
package llm
