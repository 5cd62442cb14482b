package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-pipeline-engine/internal/config"
	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/store"
)

func servePNG(t *testing.T, width, height int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAssetHandlerWritesVariantsLocally(t *testing.T) {
	ctx := context.Background()
	srv := servePNG(t, 40, 20)

	tempDir := t.TempDir()
	cfg := config.Config{
		AssetOutputDir: tempDir,
		AssetMaxBytes:  2 * 1024 * 1024,
		AssetWidths:    []string{"20", "10"},
	}

	st := store.NewMemory()
	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID:         "art-1",
		ProjectID:  "proj-1",
		Status:     models.ArticleDraft,
		CoverImage: srv.URL + "/cover.png",
	}))

	handler, err := NewAssetHandler(ctx, cfg, st)
	require.NoError(t, err)

	err = handler.Handle(ctx, models.Job{
		ID:      "job-1",
		Type:    models.TypeAssets,
		Payload: map[string]any{"article_id": "art-1", "project_id": "proj-1"},
	})
	require.NoError(t, err)

	for _, width := range []struct {
		px       int
		expected int
	}{{20, 10}, {10, 5}} {
		path := filepath.Join(tempDir, "proj-1", "art-1-"+strconv.Itoa(width.px)+".png")
		data, err := os.ReadFile(path)
		require.NoError(t, err, "variant %dpx not written", width.px)

		out, _, err := image.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, width.px, out.Bounds().Dx())
		// Aspect ratio is preserved when height is derived.
		assert.Equal(t, width.expected, out.Bounds().Dy())
	}
}

func TestAssetHandlerNoCoverImageIsNoOp(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-1", ProjectID: "proj-1", Status: models.ArticleDraft,
	}))

	handler, err := NewAssetHandler(ctx, config.Config{AssetOutputDir: t.TempDir()}, st)
	require.NoError(t, err)

	err = handler.Handle(ctx, models.Job{ID: "job-1", Payload: map[string]any{"article_id": "art-1"}})
	require.NoError(t, err)
}

func TestAssetHandlerRejectsOversizedDownload(t *testing.T) {
	ctx := context.Background()
	srv := servePNG(t, 64, 64)

	st := store.NewMemory()
	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-1", ProjectID: "proj-1", Status: models.ArticleDraft, CoverImage: srv.URL + "/cover.png",
	}))

	cfg := config.Config{AssetOutputDir: t.TempDir(), AssetMaxBytes: 16, AssetWidths: []string{"10"}}
	handler, err := NewAssetHandler(ctx, cfg, st)
	require.NoError(t, err)

	err = handler.Handle(ctx, models.Job{ID: "job-1", Payload: map[string]any{"article_id": "art-1"}})
	require.Error(t, err)
}

func TestAssetHandlerRejectsInvalidWidths(t *testing.T) {
	_, err := NewAssetHandler(context.Background(), config.Config{AssetWidths: []string{"abc"}}, store.NewMemory())
	require.Error(t, err)
}
