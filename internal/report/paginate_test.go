package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureRecords(n int) []Record {
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = Record{"plugin_id": 10000 + i}
	}
	return recs
}

func recordChunks(chunks []Chunk) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Type == ChunkRecord {
			out = append(out, c)
		}
	}
	return out
}

func TestBuildStreamShape(t *testing.T) {
	meta := Metadata{Name: "weekly"}
	chunks := BuildStream(meta, []string{"plugin_id"}, fixtureRecords(25), 1, 10)

	require.NotEmpty(t, chunks)
	assert.Equal(t, ChunkSchema, chunks[0].Type)
	assert.Equal(t, []string{"plugin_id"}, chunks[0].Fields)
	assert.Equal(t, ChunkMetadata, chunks[1].Type)
	require.NotNil(t, chunks[1].Metadata)
	assert.Equal(t, "weekly", chunks[1].Metadata.Name)
	assert.Equal(t, ChunkPage, chunks[len(chunks)-1].Type)
}

func TestBuildStreamPageWindows(t *testing.T) {
	recs := fixtureRecords(25)

	tests := []struct {
		page       int
		wantCount  int
		wantFirst  int
		wantNext   bool
		totalPages int
	}{
		{1, 10, 10000, true, 3},
		{2, 10, 10010, true, 3},
		{3, 5, 10020, false, 3},
		{4, 0, 0, false, 3},
	}
	for _, tc := range tests {
		chunks := BuildStream(Metadata{}, []string{"plugin_id"}, recs, tc.page, 10)
		got := recordChunks(chunks)
		require.Len(t, got, tc.wantCount, "page %d", tc.page)
		if tc.wantCount > 0 {
			assert.Equal(t, tc.wantFirst, got[0].Record["plugin_id"])
		}

		trailer := chunks[len(chunks)-1]
		require.Equal(t, ChunkPage, trailer.Type)
		assert.Equal(t, tc.page, trailer.Page.Page)
		assert.Equal(t, tc.totalPages, trailer.Page.TotalPages)
		assert.Equal(t, 25, trailer.Page.Total)
		assert.Equal(t, tc.wantNext, trailer.Page.HasNext)
	}
}

func TestBuildStreamPageZeroStreamsAll(t *testing.T) {
	recs := fixtureRecords(25)
	chunks := BuildStream(Metadata{}, []string{"plugin_id"}, recs, 0, 10)

	assert.Len(t, recordChunks(chunks), 25)
	for _, c := range chunks {
		assert.NotEqual(t, ChunkPage, c.Type)
	}
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, MinPageSize, ClampPageSize(1))
	assert.Equal(t, MinPageSize, ClampPageSize(-5))
	assert.Equal(t, 50, ClampPageSize(50))
	assert.Equal(t, MaxPageSize, ClampPageSize(5000))
}

func TestBuildStreamEmptyResults(t *testing.T) {
	chunks := BuildStream(Metadata{}, []string{"plugin_id"}, nil, 1, 10)
	assert.Empty(t, recordChunks(chunks))
	trailer := chunks[len(chunks)-1]
	require.Equal(t, ChunkPage, trailer.Type)
	assert.Equal(t, 0, trailer.Page.TotalPages)
	assert.False(t, trailer.Page.HasNext)
}

func TestProjectionAndProfiles(t *testing.T) {
	fields, err := Projection{}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, profiles[DefaultProfile], fields)

	fields, err = Projection{Profile: "minimal"}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []string{"plugin_id", "severity", "host"}, fields)

	fields, err = Projection{Fields: []string{"host", "cvss"}}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []string{"host", "cvss"}, fields)

	_, err = Projection{Profile: "minimal", Fields: []string{"host"}}.Resolve()
	assert.Error(t, err)

	_, err = Projection{Profile: "gigantic"}.Resolve()
	assert.Error(t, err)

	_, err = Projection{Fields: []string{"bogus"}}.Resolve()
	assert.Error(t, err)
}

func TestProjectSelectsOnlyRequestedFields(t *testing.T) {
	vulns := []Vulnerability{{PluginID: 1, PluginName: "x", Severity: 3, Host: "10.0.0.1", CVSS: 6.5}}
	recs := Project(vulns, []string{"plugin_id", "cvss"})
	require.Len(t, recs, 1)
	assert.Equal(t, Record{"plugin_id": 1, "cvss": 6.5}, recs[0])
}
