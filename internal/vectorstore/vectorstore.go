// Package vectorstore defines the provider-agnostic vector storage interface
// and its two implementations: the columnar SQLite store used by the default
// deployment, and a Qdrant-backed pure-vector store. Embeddings of different
// widths co-locate through per-dimension columns (SQLite) or per-dimension
// collections (Qdrant).
package vectorstore

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/archonhq/archon/internal/archerr"
)

// Logical collection names. Implementations map them onto tables or
// physical collections.
const (
	CollectionChunks       = "chunks"
	CollectionCodeExamples = "code_examples"
)

// Distance selects the similarity metric for a collection.
type Distance string

const (
	DistanceCosine    Distance = "cosine"
	DistanceEuclidean Distance = "euclidean"
	DistanceDot       Distance = "dot"
)

// Dimensions are the supported embedding widths.
var Dimensions = []int{768, 1024, 1536, 3072}

// SupportedDimension reports whether d has a dedicated column.
func SupportedDimension(d int) bool {
	for _, dim := range Dimensions {
		if d == dim {
			return true
		}
	}
	return false
}

// Document is one embedding-bearing row: a chunk or a code example.
type Document struct {
	ID          string         `json:"id"`
	SourceID    string         `json:"source_id"`
	PageID      string         `json:"page_id,omitempty"`
	URL         string         `json:"url"`
	ChunkNumber int            `json:"chunk_number"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Code-example fields; empty for chunks.
	Language      string `json:"language,omitempty"`
	Summary       string `json:"summary,omitempty"`
	ContextBefore string `json:"context_before,omitempty"`
	ContextAfter  string `json:"context_after,omitempty"`

	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
}

// UpsertResult reports the outcome for one document in a batch.
type UpsertResult struct {
	ID  string
	Err error
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	// MatchCount is the maximum number of results.
	MatchCount int

	// Filter is a conjunction of field -> value (or field -> []values).
	// The keys "source" and "source_id" are treated identically.
	Filter map[string]any

	// SimilarityThreshold drops results scoring below it.
	SimilarityThreshold float64
}

// Result is one search hit.
type Result struct {
	Document
	Similarity float64 `json:"similarity_score"`
}

// CollectionInfo describes one logical collection.
type CollectionInfo struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Health is the store health snapshot.
type Health struct {
	Connected        bool     `json:"connected"`
	CollectionsCount int      `json:"collections_count"`
	Collections      []string `json:"collections"`
	Status           string   `json:"status"`
}

// Store is the provider-agnostic vector store contract.
type Store interface {
	// CreateCollection is idempotent.
	CreateCollection(ctx context.Context, name string, vectorSize int, distance Distance) error

	// Upsert writes documents in batches of batchSize, returning per-item
	// results on partial failure.
	Upsert(ctx context.Context, collection string, docs []*Document, batchSize int) ([]UpsertResult, error)

	// Search returns results ordered by descending similarity, tie-broken
	// by chunk_number then id.
	Search(ctx context.Context, collection string, query []float32, opts SearchOptions) ([]Result, error)

	// Delete removes documents matching the filter conjunction and returns
	// the number removed.
	Delete(ctx context.Context, collection string, filter map[string]any, batchSize int) (int, error)

	// UpdateMetadata replaces the free-form metadata of one document.
	UpdateMetadata(ctx context.Context, collection, id string, metadata map[string]any) error

	// CollectionInfo returns row counts for one logical collection.
	CollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error)

	// ListCollections names the logical collections present.
	ListCollections(ctx context.Context) ([]string, error)

	// HealthCheck reports connectivity and collection inventory.
	HealthCheck(ctx context.Context) (*Health, error)

	Close() error
}

// KeywordSearcher is the optional lexical leg of hybrid search. The SQLite
// store implements it over FTS5; stores without a keyword index simply do
// not satisfy it and hybrid mode degrades to vector-only.
type KeywordSearcher interface {
	KeywordSearch(ctx context.Context, collection, query string, limit int, filter map[string]any) ([]Result, error)
}

// ValidateEmbedding rejects empty, wrong-width and all-zero vectors.
// expectedDim of 0 skips the width check but still requires a supported
// dimension.
func ValidateEmbedding(vec []float32, expectedDim int) error {
	if len(vec) == 0 {
		return archerr.New(archerr.KindValidation, "embedding is empty")
	}
	if expectedDim > 0 && len(vec) != expectedDim {
		return archerr.New(archerr.KindValidation,
			"embedding has %d dimensions, expected %d", len(vec), expectedDim)
	}
	allZero := true
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return archerr.New(archerr.KindValidation, "embedding contains non-finite values")
		}
		if v != 0 {
			allZero = false
		}
	}
	if allZero {
		return archerr.New(archerr.KindValidation, "embedding is all zeros")
	}
	return nil
}

// ValidateDocument rejects documents missing URL or content.
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return archerr.New(archerr.KindValidation, "document is nil")
	}
	if doc.URL == "" || doc.Content == "" {
		return archerr.New(archerr.KindValidation, "document requires both url and content")
	}
	return nil
}

// NormalizeFilter canonicalises the source filter keys: "source" and
// "source_id" are accepted interchangeably and normalised to "source_id".
func NormalizeFilter(filter map[string]any) map[string]any {
	if filter == nil {
		return nil
	}
	out := make(map[string]any, len(filter))
	for k, v := range filter {
		if k == "source" {
			k = "source_id"
		}
		out[k] = v
	}
	return out
}

// EmbeddingToBytes encodes a vector as little-endian IEEE 754 float32 bytes
// for BLOB storage.
func EmbeddingToBytes(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// BytesToEmbedding decodes a BLOB written by EmbeddingToBytes.
func BytesToEmbedding(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// CosineSimilarity returns the cosine similarity of two equal-width vectors,
// mapped into [0, 1].
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Map [-1, 1] into [0, 1] so scores compose with keyword boosts.
	return (cos + 1) / 2
}
