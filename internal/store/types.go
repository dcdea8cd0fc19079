package store

import "time"

// Source is a logical corpus identified by a stable string derived from the
// canonical URL or file identity. It owns pages, chunks and code examples.
type Source struct {
	SourceID       string         `json:"source_id"`
	Title          string         `json:"title"`
	Summary        string         `json:"summary"`
	TotalWordCount int            `json:"total_word_count"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Page is a whole source document: a crawled web page, a parsed PDF, or one
// llms-full section. Pages are inserted before chunking so chunks can
// reference a stable page id; chunk_count is patched in afterwards.
type Page struct {
	ID           string         `json:"id"`
	SourceID     string         `json:"source_id"`
	URL          string         `json:"url"`
	SectionTitle string         `json:"section_title,omitempty"`
	SectionOrder int            `json:"section_order"`
	FullContent  string         `json:"full_content"`
	WordCount    int            `json:"word_count"`
	CharCount    int            `json:"char_count"`
	ChunkCount   int            `json:"chunk_count"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}
