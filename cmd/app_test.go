package cmd

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
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/style-transfer/internal/config"
	"github.com/example/style-transfer/internal/storage/local"
	"github.com/example/style-transfer/internal/tensor"
	"github.com/example/style-transfer/internal/usecase"
)

type identityModel struct{}

func (identityModel) Name() string { return "identity" }

func (identityModel) Stylize(ctx context.Context, content, style *tensor.Tensor) (*tensor.Tensor, error) {
	return content, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HTTP:    config.HTTPConfig{MaxUploadSize: 1 << 20},
		Model:   config.ModelConfig{Backend: config.BackendGRPC, ContentSize: 16, StyleSize: 16, JPEGQuality: 80, Timeout: time.Second, MaxConcurrent: 1, MaxPixels: 1 << 20},
		Fetch:   config.FetchConfig{Timeout: time.Second, MaxBytes: 1 << 20},
		Storage: config.StorageConfig{Dir: t.TempDir()},
	}
}

func testUseCase(t *testing.T, cfg *config.Config) *usecase.StyleTransferUseCase {
	t.Helper()
	store, err := local.NewStorage(cfg.Storage.Dir)
	require.NoError(t, err)
	return usecase.NewStyleTransferUseCase(identityModel{}, store, zap.NewNop(), useCaseOptions(cfg))
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestNewRouterServesHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)

	router, err := newRouter(testUseCase(t, cfg), cfg, zap.NewNop())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewRouterEnforcesAuthWhenSecretSet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "secret"

	router, err := newRouter(testUseCase(t, cfg), cfg, zap.NewNop())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/style_transfer", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewModelRejectsUnknownBackend(t *testing.T) {
	_, _, err := newModel(context.Background(), config.ModelConfig{Backend: "onnx"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewModelToleratesUnreadyTFServing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	model, closeModel, err := newModel(context.Background(), config.ModelConfig{
		Backend:   config.BackendTFServing,
		Timeout:   time.Second,
		TFServing: config.TFServingConfig{URL: srv.URL, ModelName: "style"},
	}, zap.NewNop())
	require.NoError(t, err)
	defer closeModel() //nolint:errcheck
	assert.Equal(t, "tfserving/style", model.Name())
}

func TestRunStylizeWritesJPEG(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	contentPath := filepath.Join(dir, "content.png")
	stylePath := filepath.Join(dir, "style.png")
	outPath := filepath.Join(dir, "out.jpg")
	writePNG(t, contentPath)
	writePNG(t, stylePath)

	res, err := runStylize(context.Background(), testUseCase(t, cfg), contentPath, stylePath, "", outPath)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RequestID)

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	cfgImg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 16, cfgImg.Width)
	assert.Equal(t, 16, cfgImg.Height)
}

func TestRunStylizeMissingContentFile(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	_, err := runStylize(context.Background(), testUseCase(t, cfg), filepath.Join(dir, "nope.png"), "", "http://example.invalid/s.jpg", filepath.Join(dir, "out.jpg"))
	assert.Error(t, err)
}
