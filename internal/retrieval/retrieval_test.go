package retrieval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docdraft/internal/doctree"
	"github.com/dgallion1/docdraft/internal/store"
)

type countingEmbedder struct {
	calls int
	vec   []float32
	err   error
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

type fixture struct {
	store    *store.Store
	embedder *countingEmbedder
	lib      *Librarian
	caseID   string
	emptyID  string
}

// newFixture seeds owner 1 with documents a (cases/smith), b (cases/smith/exhibits),
// c (cases/jones) and owner 2 with d.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "retrieval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	docs := []struct {
		id    string
		owner int64
		path  string
		vec   []float32
	}{
		{"a", 1, "cases/smith", []float32{1, 0}},
		{"b", 1, "cases/smith/exhibits", []float32{1, 0.3}},
		{"c", 1, "cases/jones", []float32{0.5, 0.5}},
		{"d", 2, "cases/smith", []float32{1, 0}},
	}
	for _, d := range docs {
		require.NoError(t, s.CreateDocument(ctx, &store.Document{ID: d.id, OwnerID: d.owner, Path: d.path, Filename: d.id}))
		page := 3
		_, err := s.ReplaceChunks(ctx, d.id, []doctree.Chunk{
			{Content: "chunk of " + d.id, Index: 0, PageStart: &page, PageEnd: &page, Heading: "Facts"},
		}, [][]float32{d.vec})
		require.NoError(t, err)
	}

	folder, err := s.EnsureFolder(ctx, 1, "cases/smith")
	require.NoError(t, err)
	smith, err := s.CreateCase(ctx, 1, "Smith v. Jones", folder.ID)
	require.NoError(t, err)
	emptyFolder, err := s.EnsureFolder(ctx, 1, "cases/none")
	require.NoError(t, err)
	none, err := s.CreateCase(ctx, 1, "No documents", emptyFolder.ID)
	require.NoError(t, err)

	emb := &countingEmbedder{vec: []float32{1, 0}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store:    s,
		embedder: emb,
		lib:      NewLibrarian(emb, s, log),
		caseID:   smith.ID,
		emptyID:  none.ID,
	}
}

func fileIDs(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.FileID
	}
	return out
}

func TestRetrieve_OwnerRequired(t *testing.T) {
	f := newFixture(t)
	res := f.lib.Retrieve(context.Background(), Request{Query: "facts"})
	assert.ErrorIs(t, res.Error, ErrOwnerRequired)
	assert.Empty(t, res.Hits)
	assert.Zero(t, f.embedder.calls)
}

func TestRetrieve_InvalidOwner(t *testing.T) {
	f := newFixture(t)
	for _, owner := range []string{"abc", "0", "-4", "1.5"} {
		res := f.lib.Retrieve(context.Background(), Request{Query: "facts", OwnerID: owner})
		assert.ErrorIs(t, res.Error, ErrInvalidOwner, "owner %q", owner)
	}
	assert.Zero(t, f.embedder.calls)
}

func TestRetrieve_WholeCorpusWhenNil(t *testing.T) {
	f := newFixture(t)
	res := f.lib.Retrieve(context.Background(), Request{Query: "facts", OwnerID: "1"})
	require.NoError(t, res.Error)
	assert.Equal(t, []string{"a", "b", "c"}, fileIDs(res.Hits))

	top := res.Hits[0]
	assert.InDelta(t, 0, top.Distance, 1e-9)
	assert.InDelta(t, 1, top.Similarity, 1e-9)
	assert.Equal(t, "Facts", top.Heading)
	require.NotNil(t, top.PageStart)
	assert.Equal(t, 3, *top.PageStart)
	assert.Equal(t, []float32{1, 0}, top.Vector)

	for i := 1; i < len(res.Hits); i++ {
		assert.LessOrEqual(t, res.Hits[i-1].Distance, res.Hits[i].Distance)
		assert.InDelta(t, 1/(1+res.Hits[i].Distance), res.Hits[i].Similarity, 1e-12)
	}
}

func TestRetrieve_EmptyAllowListSkipsEmbedder(t *testing.T) {
	f := newFixture(t)
	empty := []string{}
	res := f.lib.Retrieve(context.Background(), Request{Query: "facts", OwnerID: "1", AllowedFileIDs: &empty})
	require.NoError(t, res.Error)
	assert.Empty(t, res.Hits)
	assert.Zero(t, f.embedder.calls)
}

func TestRetrieve_ExplicitFilesStayOwnerScoped(t *testing.T) {
	f := newFixture(t)
	ids := []string{"c", "d"}
	res := f.lib.Retrieve(context.Background(), Request{Query: "facts", OwnerID: "1", AllowedFileIDs: &ids})
	require.NoError(t, res.Error)
	assert.Equal(t, []string{"c"}, fileIDs(res.Hits))
}

func TestRetrieve_CaseExpansion(t *testing.T) {
	f := newFixture(t)
	res := f.lib.Retrieve(context.Background(), Request{Query: "facts", OwnerID: "1", CaseID: f.caseID})
	require.NoError(t, res.Error)
	assert.Equal(t, []string{"a", "b"}, fileIDs(res.Hits))

	extra := []string{"c"}
	res = f.lib.Retrieve(context.Background(), Request{Query: "facts", OwnerID: "1", CaseID: f.caseID, AllowedFileIDs: &extra})
	require.NoError(t, res.Error)
	assert.Equal(t, []string{"a", "b", "c"}, fileIDs(res.Hits))
}

func TestRetrieve_CaseWithoutDocumentsIsEmpty(t *testing.T) {
	f := newFixture(t)
	for _, caseID := range []string{f.emptyID, "no-such-case"} {
		res := f.lib.Retrieve(context.Background(), Request{Query: "facts", OwnerID: "1", CaseID: caseID})
		require.NoError(t, res.Error)
		assert.Empty(t, res.Hits, "case %s", caseID)
	}
	assert.Zero(t, f.embedder.calls)
}

func TestRetrieve_CaseOfOtherOwner(t *testing.T) {
	f := newFixture(t)
	res := f.lib.Retrieve(context.Background(), Request{Query: "facts", OwnerID: "2", CaseID: f.caseID})
	require.NoError(t, res.Error)
	assert.Empty(t, res.Hits)
}

func TestRetrieve_TopK(t *testing.T) {
	f := newFixture(t)
	res := f.lib.Retrieve(context.Background(), Request{Query: "facts", OwnerID: "1", TopK: 1})
	require.NoError(t, res.Error)
	assert.Len(t, res.Hits, 1)
}

func TestRetrieve_EmbedFailure(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = errors.New("provider down")
	res := f.lib.Retrieve(context.Background(), Request{Query: "facts", OwnerID: "1"})
	require.Error(t, res.Error)
	assert.Contains(t, res.Error.Error(), "provider down")
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	f := newFixture(t)
	res := f.lib.Retrieve(context.Background(), Request{Query: "   ", OwnerID: "1"})
	assert.ErrorIs(t, res.Error, ErrEmptyQuery)
}

func TestClampTopK(t *testing.T) {
	assert.Equal(t, DefaultTopK, ClampTopK(0))
	assert.Equal(t, DefaultTopK, ClampTopK(-3))
	assert.Equal(t, 1, ClampTopK(1))
	assert.Equal(t, 50, ClampTopK(50))
	assert.Equal(t, 50, ClampTopK(500))
}
