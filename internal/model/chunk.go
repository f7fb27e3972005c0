package model

// Page is one raw documentation page as returned by the fetcher.
type Page struct {
	URL    string `json:"url"`
	Path   string `json:"path"`
	Markup string `json:"markup"`
}

type FetchResult struct {
	Library         string `json:"library"`
	ResolvedVersion string `json:"resolved_version"`
	Pages           []Page `json:"pages"`
	Skipped         int    `json:"skipped"`
}

type Chunk struct {
	ItemPath   string `json:"item_path"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
	Position   int    `json:"position"`
}

// EmbeddingInput is the text sent to the embedding provider for a chunk.
func (c *Chunk) EmbeddingInput() string {
	return c.ItemPath + "\n\n" + c.Content
}

type ChunkRecord struct {
	Chunk
	Embedding []float32 `json:"-"`
}

type SearchHit struct {
	ItemPath string  `json:"item_path"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
	Score    float64 `json:"score"`
	Version  string  `json:"version"`
}

type QueryResult struct {
	Library      string      `json:"library"`
	Version      string      `json:"version"`
	Question     string      `json:"question"`
	Chunks       []SearchHit `json:"chunks"`
	Summary      string      `json:"summary,omitempty"`
	SummaryError string      `json:"summary_error,omitempty"`
}
