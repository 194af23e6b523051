package report

// Pagination bounds. Requested page sizes are clamped into this range; a
// page of 0 streams the whole result set without a trailer.
const (
	MinPageSize = 10
	MaxPageSize = 100
)

// Chunk is one element of a result stream. Exactly one of Fields, Metadata,
// Record, Page is set, discriminated by Type.
type Chunk struct {
	Type     string    `json:"type"`
	Fields   []string  `json:"fields,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Record   Record    `json:"record,omitempty"`
	Page     *PageInfo `json:"page,omitempty"`
}

// Chunk types, in the order they appear in a stream.
const (
	ChunkSchema   = "schema"
	ChunkMetadata = "metadata"
	ChunkRecord   = "record"
	ChunkPage     = "page"
)

// PageInfo trails a paginated stream.
type PageInfo struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalPages int  `json:"total_pages"`
	Total      int  `json:"total"`
	HasNext    bool `json:"has_next"`
}

// ClampPageSize forces a requested size into the allowed range.
func ClampPageSize(size int) int {
	if size < MinPageSize {
		return MinPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

// BuildStream assembles the chunk sequence for one results request:
// a schema chunk, a metadata chunk, the record chunks for the requested
// page, and a page trailer. page 0 emits every record and no trailer.
// Pages past the end produce an empty record section, not an error.
func BuildStream(meta Metadata, fields []string, records []Record, page, pageSize int) []Chunk {
	chunks := make([]Chunk, 0, len(records)+3)
	chunks = append(chunks,
		Chunk{Type: ChunkSchema, Fields: fields},
		Chunk{Type: ChunkMetadata, Metadata: &meta},
	)

	if page <= 0 {
		for _, rec := range records {
			chunks = append(chunks, Chunk{Type: ChunkRecord, Record: rec})
		}
		return chunks
	}

	size := ClampPageSize(pageSize)
	total := len(records)
	totalPages := (total + size - 1) / size

	start := (page - 1) * size
	end := start + size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	for _, rec := range records[start:end] {
		chunks = append(chunks, Chunk{Type: ChunkRecord, Record: rec})
	}

	chunks = append(chunks, Chunk{Type: ChunkPage, Page: &PageInfo{
		Page:       page,
		PageSize:   size,
		TotalPages: totalPages,
		Total:      total,
		HasNext:    page < totalPages,
	}})
	return chunks
}
