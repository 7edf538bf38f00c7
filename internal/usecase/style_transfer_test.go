package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/style-transfer/internal/logging"
	"github.com/example/style-transfer/internal/repository"
	"github.com/example/style-transfer/internal/storage"
	"github.com/example/style-transfer/internal/storage/local"
	"github.com/example/style-transfer/internal/tensor"
)

type stubRepository struct {
	mu        sync.Mutex
	savedLogs []*repository.TransferLog
	saveErr   error
	agg       *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.TransferLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.TransferLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, log := range s.savedLogs {
		if log.RequestID == requestID {
			return log, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.agg, nil
}

type stubCache struct {
	mu      sync.Mutex
	values  map[string][]byte
	getErrs []error
	setErr  error
	setKeys []string
}

func (s *stubCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if s.setErr != nil {
		return s.setErr
	}
	if s.values == nil {
		s.values = map[string][]byte{}
	}
	s.values[key] = value
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		return nil, err
	}
	v, ok := s.values[key]
	if !ok {
		return nil, redis.Nil
	}
	return v, nil
}

type stubFetcher struct {
	data []byte
	err  error
	urls []string
}

func (s *stubFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	s.urls = append(s.urls, rawURL)
	return s.data, s.err
}

// stubModel returns the content tensor unchanged.
type stubModel struct {
	calls   atomic.Int32
	err     error
	shapes  [][]int
	mu      sync.Mutex
	block   chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Stylize(ctx context.Context, content, style *tensor.Tensor) (*tensor.Tensor, error) {
	m.calls.Add(1)
	n := m.running.Add(1)
	defer m.running.Add(-1)
	for {
		peak := m.peak.Load()
		if n <= peak || m.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	m.mu.Lock()
	m.shapes = append(m.shapes, content.Shape, style.Shape)
	m.mu.Unlock()
	if m.block != nil {
		<-m.block
	}
	if m.err != nil {
		return nil, m.err
	}
	return content, nil
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestUseCase(t *testing.T, model *stubModel, options ...Option) *StyleTransferUseCase {
	t.Helper()
	store, err := local.NewStorage(t.TempDir())
	require.NoError(t, err)
	opts := Options{ContentSize: 16, StyleSize: 8, JPEGQuality: 90}
	return NewStyleTransferUseCase(model, store, zap.NewNop(), opts, options...)
}

func TestTransferProducesJPEG(t *testing.T) {
	model := &stubModel{}
	repo := &stubRepository{}
	uc := newTestUseCase(t, model, WithRepository(repo))

	res, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 40, 30, color.NRGBA{R: 200, A: 255}),
		StyleImage:   pngBytes(t, 10, 10, color.NRGBA{B: 200, A: 255}),
		Subject:      "user-7",
	})
	require.NoError(t, err)

	img, err := tensor.DecodeImage(res.Image, 0)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds())
	assert.False(t, res.CacheHit)
	assert.NotEmpty(t, res.RequestID)

	require.Len(t, model.shapes, 2)
	assert.Equal(t, []int{1, 16, 16, 3}, model.shapes[0])
	assert.Equal(t, []int{1, 8, 8, 3}, model.shapes[1])

	require.Len(t, repo.savedLogs, 1)
	log := repo.savedLogs[0]
	assert.True(t, log.Success)
	assert.Equal(t, "upload", log.StyleSource)
	assert.Equal(t, "stub", log.Model)
	assert.Equal(t, "user-7", log.Subject)
	assert.Len(t, log.ContentHash, 64)
	assert.Equal(t, int64(len(res.Image)), log.OutputBytes)

	f, info, err := uc.GetResult(context.Background(), res.RequestID, "user-7")
	require.NoError(t, err)
	defer f.Close()
	stored, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, res.Image, stored)
	assert.Equal(t, "image/jpeg", info.ContentType)
}

func TestTransferValidatesInputs(t *testing.T) {
	uc := newTestUseCase(t, &stubModel{})

	_, err := uc.Transfer(context.Background(), TransferRequest{StyleImage: []byte("x")})
	assert.ErrorIs(t, err, ErrMissingContent)

	_, err = uc.Transfer(context.Background(), TransferRequest{ContentImage: []byte("x")})
	assert.ErrorIs(t, err, ErrMissingStyle)
}

func TestTransferPrefersUploadedStyleOverURL(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("should not be called")}
	uc := newTestUseCase(t, &stubModel{}, WithFetcher(fetcher))

	_, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 4, 4, color.White),
		StyleImage:   pngBytes(t, 4, 4, color.Black),
		StyleURL:     "http://example.invalid/style.png",
	})
	require.NoError(t, err)
	assert.Empty(t, fetcher.urls)
}

func TestTransferFetchesStyleURL(t *testing.T) {
	fetcher := &stubFetcher{data: pngBytes(t, 4, 4, color.Black)}
	repo := &stubRepository{}
	uc := newTestUseCase(t, &stubModel{}, WithFetcher(fetcher), WithRepository(repo))

	_, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 4, 4, color.White),
		StyleURL:     "http://example.com/style.png",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"http://example.com/style.png"}, fetcher.urls)
	require.Len(t, repo.savedLogs, 1)
	assert.Equal(t, "url", repo.savedLogs[0].StyleSource)
	assert.Equal(t, "http://example.com/style.png", repo.savedLogs[0].StyleURL)
}

func TestTransferWrapsFetchFailure(t *testing.T) {
	model := &stubModel{}
	repo := &stubRepository{}
	uc := newTestUseCase(t, model, WithFetcher(&stubFetcher{err: errors.New("connection refused")}), WithRepository(repo))

	_, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 4, 4, color.White),
		StyleURL:     "http://127.0.0.1:1/style.png",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStyleFetch)
	assert.Equal(t, "usecase.fetch_style", logging.OperationOf(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, model.calls.Load())

	require.Len(t, repo.savedLogs, 1)
	assert.False(t, repo.savedLogs[0].Success)
	assert.NotEmpty(t, repo.savedLogs[0].Error)
}

func TestTransferWithoutFetcherFailsForURL(t *testing.T) {
	uc := newTestUseCase(t, &stubModel{})

	_, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 4, 4, color.White),
		StyleURL:     "http://example.com/style.png",
	})
	assert.ErrorIs(t, err, ErrStyleFetch)
}

func TestTransferReportsDecodeFailure(t *testing.T) {
	model := &stubModel{}
	uc := newTestUseCase(t, model)

	_, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: []byte("definitely not an image"),
		StyleImage:   pngBytes(t, 4, 4, color.Black),
	})
	require.Error(t, err)
	assert.Equal(t, "usecase.preprocess_content", logging.OperationOf(err))
	assert.Zero(t, model.calls.Load())
}

func TestTransferReportsModelFailure(t *testing.T) {
	uc := newTestUseCase(t, &stubModel{err: errors.New("model unavailable")})

	_, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 4, 4, color.White),
		StyleImage:   pngBytes(t, 4, 4, color.Black),
	})
	require.Error(t, err)
	assert.Equal(t, "usecase.stylize", logging.OperationOf(err))
}

func TestTransferServesRepeatedInputsFromCache(t *testing.T) {
	model := &stubModel{}
	cache := &stubCache{}
	repo := &stubRepository{}
	uc := newTestUseCase(t, model, WithCache(cache), WithRepository(repo))

	req := TransferRequest{
		ContentImage: pngBytes(t, 6, 6, color.White),
		StyleImage:   pngBytes(t, 6, 6, color.Black),
	}
	first, err := uc.Transfer(context.Background(), req)
	require.NoError(t, err)
	second, err := uc.Transfer(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int32(1), model.calls.Load())
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Image, second.Image)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	require.Len(t, cache.setKeys, 1)

	f, _, err := uc.GetResult(context.Background(), second.RequestID, "")
	require.NoError(t, err)
	f.Close()

	require.Len(t, repo.savedLogs, 2)
	assert.True(t, repo.savedLogs[1].CacheHit)
}

type transientCacheError struct{}

func (transientCacheError) Error() string { return "redis timeout" }
func (transientCacheError) Timeout() bool { return true }

func TestTransferToleratesCacheFailures(t *testing.T) {
	model := &stubModel{}
	cache := &stubCache{getErrs: []error{errors.New("READONLY")}, setErr: errors.New("READONLY")}
	uc := newTestUseCase(t, model, WithCache(cache))

	res, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 4, 4, color.White),
		StyleImage:   pngBytes(t, 4, 4, color.Black),
	})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, int32(1), model.calls.Load())
}

func TestTransferRetriesTransientCacheRead(t *testing.T) {
	cache := &stubCache{getErrs: []error{transientCacheError{}}}
	uc := newTestUseCase(t, &stubModel{}, WithCache(cache))
	uc.policy.InitialBackoff = time.Millisecond

	_, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 4, 4, color.White),
		StyleImage:   pngBytes(t, 4, 4, color.Black),
	})
	require.NoError(t, err)
	assert.Empty(t, cache.getErrs)
}

func TestTransferIgnoresLogFailures(t *testing.T) {
	uc := newTestUseCase(t, &stubModel{}, WithRepository(&stubRepository{saveErr: errors.New("db down")}))

	_, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 4, 4, color.White),
		StyleImage:   pngBytes(t, 4, 4, color.Black),
	})
	assert.NoError(t, err)
}

func TestTransferBoundsConcurrentInference(t *testing.T) {
	model := &stubModel{block: make(chan struct{})}
	store, err := local.NewStorage(t.TempDir())
	require.NoError(t, err)
	uc := NewStyleTransferUseCase(model, store, zap.NewNop(), Options{ContentSize: 4, StyleSize: 4, MaxConcurrent: 1})

	req := TransferRequest{
		ContentImage: pngBytes(t, 4, 4, color.White),
		StyleImage:   pngBytes(t, 4, 4, color.Black),
	}
	var wg sync.WaitGroup
	ids := make([]string, 3)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := uc.Transfer(context.Background(), req)
			if assert.NoError(t, err) {
				ids[i] = res.RequestID
			}
		}(i)
	}

	require.Eventually(t, func() bool { return model.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(model.block)
	wg.Wait()

	assert.Equal(t, int32(3), model.calls.Load())
	assert.Equal(t, int32(1), model.peak.Load())
	assert.Len(t, map[string]bool{ids[0]: true, ids[1]: true, ids[2]: true}, 3)
}

func TestGetResultUnknown(t *testing.T) {
	uc := newTestUseCase(t, &stubModel{})

	_, _, err := uc.GetResult(context.Background(), "not-a-uuid", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = uc.GetResult(context.Background(), "9b2f3a34-7a1f-4c55-9d0a-1d1b8e0f6a11", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetResultIsScopedToSubject(t *testing.T) {
	tests := []struct {
		name    string
		options []Option
	}{
		{name: "transfer log", options: []Option{WithRepository(&stubRepository{})}},
		{name: "workspace marker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc := newTestUseCase(t, &stubModel{}, tt.options...)
			res, err := uc.Transfer(context.Background(), TransferRequest{
				ContentImage: pngBytes(t, 6, 6, color.White),
				StyleImage:   pngBytes(t, 6, 6, color.Black),
				Subject:      "alice",
			})
			require.NoError(t, err)

			_, _, err = uc.GetResult(context.Background(), res.RequestID, "mallory")
			assert.ErrorIs(t, err, ErrNotFound)

			_, _, err = uc.GetResult(context.Background(), res.RequestID, "")
			assert.ErrorIs(t, err, ErrNotFound)

			f, _, err := uc.GetResult(context.Background(), res.RequestID, "alice")
			require.NoError(t, err)
			f.Close()
		})
	}
}

func TestGetResultWithoutTransferLogIsNotFound(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(t, &stubModel{}, WithRepository(repo))
	res, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 6, 6, color.White),
		StyleImage:   pngBytes(t, 6, 6, color.Black),
	})
	require.NoError(t, err)

	// A lost log write leaves the result unreachable.
	repo.savedLogs = nil
	_, _, err = uc.GetResult(context.Background(), res.RequestID, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransferRemovesWorkspaceOnFailure(t *testing.T) {
	uc := newTestUseCase(t, &stubModel{err: errors.New("model crashed")})

	_, err := uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 6, 6, color.White),
		StyleImage:   pngBytes(t, 6, 6, color.Black),
	})
	require.Error(t, err)

	var opErr *logging.OperationError
	require.True(t, errors.As(err, &opErr))
	require.NotEmpty(t, opErr.RequestID)

	for _, name := range []string{"content", "style", OwnerName} {
		_, _, err := uc.storage.Open(context.Background(), opErr.RequestID, name)
		assert.ErrorIs(t, err, storage.ErrNotFound, name)
	}
}

func TestTransferRejectsOversizedImages(t *testing.T) {
	model := &stubModel{}
	store, err := local.NewStorage(t.TempDir())
	require.NoError(t, err)
	uc := NewStyleTransferUseCase(model, store, zap.NewNop(), Options{ContentSize: 16, StyleSize: 8, MaxPixels: 30})

	_, err = uc.Transfer(context.Background(), TransferRequest{
		ContentImage: pngBytes(t, 6, 6, color.White),
		StyleImage:   pngBytes(t, 5, 5, color.Black),
	})
	assert.ErrorIs(t, err, ErrImageTooLarge)
	assert.Equal(t, int32(0), model.calls.Load())
}

func TestCacheKeyDependsOnModelAndQuality(t *testing.T) {
	cache := &stubCache{}
	req := TransferRequest{
		ContentImage: pngBytes(t, 6, 6, color.White),
		StyleImage:   pngBytes(t, 6, 6, color.Black),
	}

	store, err := local.NewStorage(t.TempDir())
	require.NoError(t, err)
	for _, quality := range []int{90, 50} {
		model := &stubModel{}
		uc := NewStyleTransferUseCase(model, store, zap.NewNop(), Options{ContentSize: 16, StyleSize: 8, JPEGQuality: quality}, WithCache(cache))

		res, err := uc.Transfer(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, res.CacheHit, "quality %d", quality)
		assert.Equal(t, int32(1), model.calls.Load())
	}

	require.Len(t, cache.setKeys, 2)
	assert.NotEqual(t, cache.setKeys[0], cache.setKeys[1])
	for _, key := range cache.setKeys {
		assert.Contains(t, key, ":stub:")
	}
}

func TestGetMetricsSummary(t *testing.T) {
	uc := newTestUseCase(t, &stubModel{})
	_, err := uc.GetMetricsSummary(context.Background())
	assert.ErrorIs(t, err, ErrMetricsUnavailable)

	repo := &stubRepository{agg: &repository.MetricsAggregation{TotalCount: 4, SuccessCount: 3, CacheHitCount: 1, AverageLatencyMs: 120}}
	uc = newTestUseCase(t, &stubModel{}, WithRepository(repo))

	summary, err := uc.GetMetricsSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.75, summary.SuccessRate)
	assert.Equal(t, 0.25, summary.CacheHitRate)
	assert.Equal(t, 120.0, summary.AverageLatencyMs)
}
