// Package agent hosts the two language model agents: the risk tolerance
// classifier and the retrieval-augmented knowledge agent that answers
// questions about yield protocols and recommends allocation strategies.
package agent
