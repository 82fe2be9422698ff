package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumagallery/luma/internal/domain"
)

func materializeJob() domain.Job {
	return domain.Job{
		ID:              42,
		UserID:          3,
		Prompt:          "a fox in the snow",
		CheckpointModel: "models/base-v1.safetensors",
		Width:           512,
		Height:          768,
		Backend:         domain.BackendMock,
		Sampler:         domain.SamplerParams{Seed: 99, Sampler: "euler"},
	}
}

func TestMaterializeNoOutputs(t *testing.T) {
	content := &fakeContentRepo{}
	m := NewMaterializer(content, newFakeTagRepo(), &fakeFileStore{})

	_, err := m.Materialize(context.Background(), materializeJob(), &fakeBackend{outputDir: "/out"}, nil)
	assert.ErrorIs(t, err, domain.ErrOutputMissing)
	assert.Empty(t, content.inserted)
}

func TestMaterializeMockReferencesInPlace(t *testing.T) {
	content := &fakeContentRepo{}
	files := &fakeFileStore{}
	m := NewMaterializer(content, newFakeTagRepo(), files)

	client := &fakeBackend{kind: domain.BackendMock, outputDir: "/fixtures"}
	refs := []domain.OutputRef{{Filename: "fixture_0001.png", Subfolder: "set-a"}}

	id, err := m.Materialize(context.Background(), materializeJob(), client, refs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.Len(t, content.inserted, 1)
	row := content.inserted[0]
	assert.Equal(t, "/fixtures/set-a/fixture_0001.png", row.FilePath, "mock outputs stay where they are")
	assert.Equal(t, domain.SourceItems, row.Source)
	assert.Equal(t, "image/png", row.ContentType)
	assert.Equal(t, int64(3), row.CreatorID)
	assert.Equal(t, int64(42), row.ItemMetadata["job_id"])
	assert.Equal(t, "mock", row.ItemMetadata["backend"])
}

func TestMaterializePrimaryCopiesIntoStore(t *testing.T) {
	content := &fakeContentRepo{}
	files := &fakeFileStore{}
	m := NewMaterializer(content, newFakeTagRepo(), files)

	job := materializeJob()
	job.Backend = domain.BackendPrimary
	client := &fakeBackend{kind: domain.BackendPrimary, outputDir: "/engine/output"}
	refs := []domain.OutputRef{{Filename: "img_00001_.png"}}

	_, err := m.Materialize(context.Background(), job, client, refs)
	require.NoError(t, err)

	require.Len(t, content.inserted, 1)
	assert.Equal(t, "/store/img_00001_.png", content.inserted[0].FilePath)
	assert.Equal(t, []string{"/engine/output/img_00001_.png"}, files.ingests)
}

func TestMaterializeAlternatesBestEffort(t *testing.T) {
	content := &fakeContentRepo{}
	files := &fakeFileStore{failFor: "/out/alt_missing.png"}
	m := NewMaterializer(content, newFakeTagRepo(), files)

	client := &fakeBackend{kind: domain.BackendMock, outputDir: "/out"}
	refs := []domain.OutputRef{
		{Filename: "primary.png"},
		{Filename: "alt_missing.png"},
		{Filename: "alt_ok.png"},
	}

	id, err := m.Materialize(context.Background(), materializeJob(), client, refs)
	require.NoError(t, err, "a broken alternate does not fail the job")
	require.Len(t, content.inserted, 1)

	row := content.inserted[0]
	assert.Equal(t, "/out/primary.png", row.FilePath)
	require.Len(t, row.AltPaths, 1)
	assert.Equal(t, "/out/alt_ok.png", row.AltPaths["alt_2"], "alternate keys keep their descriptor position")
	assert.Positive(t, id)
}

func TestMaterializeMissingPrimaryFails(t *testing.T) {
	content := &fakeContentRepo{}
	files := &fakeFileStore{failFor: "/out/primary.png"}
	m := NewMaterializer(content, newFakeTagRepo(), files)

	client := &fakeBackend{kind: domain.BackendMock, outputDir: "/out"}
	refs := []domain.OutputRef{{Filename: "primary.png"}, {Filename: "alt.png"}}

	_, err := m.Materialize(context.Background(), materializeJob(), client, refs)
	assert.ErrorIs(t, err, domain.ErrOutputMissing)
	assert.Empty(t, content.inserted, "no partial row when the primary output is unreadable")
}

func TestMaterializeLinksDerivedTags(t *testing.T) {
	content := &fakeContentRepo{}
	tags := newFakeTagRepo()
	m := NewMaterializer(content, tags, &fakeFileStore{})

	client := &fakeBackend{kind: domain.BackendMock, outputDir: "/out"}
	id, err := m.Materialize(context.Background(), materializeJob(), client,
		[]domain.OutputRef{{Filename: "out.png"}})
	require.NoError(t, err)

	require.Len(t, tags.ensured, 1)
	assert.Equal(t, []string{"mock", "base-v1", "euler"}, tags.ensured[0],
		"tags come from the backend kind, checkpoint stem and sampler")
	assert.ElementsMatch(t, []string{"id-mock", "id-base-v1", "id-euler"}, tags.linked[id])
}

func TestMaterializeTagLinkFailureKeepsRow(t *testing.T) {
	content := &fakeContentRepo{}
	tags := newFakeTagRepo()
	tags.linkErr = domain.ErrInternal
	m := NewMaterializer(content, tags, &fakeFileStore{})

	client := &fakeBackend{kind: domain.BackendMock, outputDir: "/out"}
	id, err := m.Materialize(context.Background(), materializeJob(), client,
		[]domain.OutputRef{{Filename: "out.png"}})
	require.NoError(t, err, "the row is queryable even when tag linking breaks")
	assert.Positive(t, id)
	require.Len(t, content.inserted, 1)
}

func TestMaterializeTruncatesLongTitles(t *testing.T) {
	content := &fakeContentRepo{}
	m := NewMaterializer(content, newFakeTagRepo(), &fakeFileStore{})

	job := materializeJob()
	job.Prompt = strings.Repeat("a very long prompt ", 20)

	_, err := m.Materialize(context.Background(), job, &fakeBackend{outputDir: "/out"},
		[]domain.OutputRef{{Filename: "out.png"}})
	require.NoError(t, err)
	require.Len(t, content.inserted, 1)
	assert.Len(t, content.inserted[0].Title, 120)
	assert.Equal(t, job.Prompt, content.inserted[0].Prompt, "the full prompt is preserved alongside the title")
}
