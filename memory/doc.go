// Package memory implements a persistent semantic memory store over a single
// SQLite file. Free-text records are embedded with a bi-encoder, indexed in an
// in-process HNSW graph for approximate nearest-neighbor retrieval, and served
// through a two-stage retrieve-then-rerank search pipeline. An optional
// cross-encoder reranker restores precision on top of the recall-oriented
// first stage; when it is unavailable the store degrades gracefully to
// bi-encoder ranking.
package memory
