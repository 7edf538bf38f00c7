package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/example/style-transfer/internal/logging"
	"github.com/example/style-transfer/internal/repository"
	"github.com/example/style-transfer/internal/retry"
	"github.com/example/style-transfer/internal/storage"
	"github.com/example/style-transfer/internal/stylizer"
	"github.com/example/style-transfer/internal/tensor"
)

const (
	// OutputName is the file name of the stylized image inside a workspace.
	OutputName = "output.jpg"
	// OwnerName holds the subject that created a workspace.
	OwnerName = "owner"
)

var (
	ErrMissingContent     = errors.New("missing content_image")
	ErrMissingStyle       = errors.New("missing style image or URL")
	ErrStyleFetch         = errors.New("style image could not be fetched")
	ErrNotFound           = errors.New("result not found")
	ErrMetricsUnavailable = errors.New("metrics require a configured database")
	ErrImageTooLarge      = tensor.ErrTooManyPixels
)

// StyleFetcher downloads a style image by URL.
type StyleFetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// TransferRepository defines the persistence operations needed by the use case.
type TransferRepository interface {
	SaveLog(ctx context.Context, log *repository.TransferLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.TransferLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options tune preprocessing, inference and caching.
type Options struct {
	ContentSize      int
	StyleSize        int
	JPEGQuality      int
	InferenceTimeout time.Duration
	MaxConcurrent    int64
	CacheTTL         time.Duration
	// MaxPixels bounds the decoded size of each input image.
	MaxPixels int64
}

// DefaultOptions resize both inputs to 512x512 and encode at quality 75.
func DefaultOptions() Options {
	return Options{
		ContentSize:      512,
		StyleSize:        512,
		JPEGQuality:      75,
		InferenceTimeout: 2 * time.Minute,
		MaxConcurrent:    2,
		CacheTTL:         time.Hour,
		MaxPixels:        40_000_000,
	}
}

// Option configures optional collaborators.
type Option func(*StyleTransferUseCase)

// WithCache enables result caching.
func WithCache(cache Cache) Option {
	return func(uc *StyleTransferUseCase) { uc.cache = cache }
}

// WithRepository enables transfer logging and metrics.
func WithRepository(repo TransferRepository) Option {
	return func(uc *StyleTransferUseCase) { uc.repo = repo }
}

// WithFetcher enables style_url downloads.
func WithFetcher(fetcher StyleFetcher) Option {
	return func(uc *StyleTransferUseCase) { uc.fetcher = fetcher }
}

// StyleTransferUseCase runs the decode -> model -> encode pipeline.
type StyleTransferUseCase struct {
	model   stylizer.Model
	storage storage.Storage
	fetcher StyleFetcher
	cache   Cache
	repo    TransferRepository
	logger  *zap.Logger
	opts    Options
	sem     *semaphore.Weighted
	policy  retry.Policy
}

// TransferRequest carries the raw inputs of one transfer. An uploaded style
// image takes precedence over StyleURL.
type TransferRequest struct {
	ContentImage []byte
	StyleImage   []byte
	StyleURL     string
	// Subject is the authenticated caller, if any.
	Subject string
}

// TransferResult is a finished transfer.
type TransferResult struct {
	RequestID string
	Image     []byte
	CacheHit  bool
	Latency   time.Duration
}

// NewStyleTransferUseCase constructs a new use case instance.
func NewStyleTransferUseCase(model stylizer.Model, store storage.Storage, logger *zap.Logger, opts Options, options ...Option) *StyleTransferUseCase {
	defaults := DefaultOptions()
	if opts.ContentSize <= 0 {
		opts.ContentSize = defaults.ContentSize
	}
	if opts.StyleSize <= 0 {
		opts.StyleSize = defaults.StyleSize
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = defaults.JPEGQuality
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = defaults.InferenceTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaults.MaxConcurrent
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = defaults.MaxPixels
	}

	uc := &StyleTransferUseCase{
		model:   model,
		storage: store,
		logger:  logger.Named("style_transfer_usecase"),
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		policy:  retry.DefaultPolicy,
	}
	for _, o := range options {
		o(uc)
	}
	return uc
}

// Transfer stylizes the content image with the style image and returns the
// JPEG bytes. Every call works in its own storage workspace.
func (uc *StyleTransferUseCase) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if len(req.ContentImage) == 0 {
		return nil, ErrMissingContent
	}
	if len(req.StyleImage) == 0 && req.StyleURL == "" {
		return nil, ErrMissingStyle
	}

	start := time.Now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.transfer", requestID)

	record := &repository.TransferLog{
		RequestID:   requestID,
		Subject:     req.Subject,
		ContentHash: digest(req.ContentImage),
		StyleSource: "upload",
		Model:       uc.model.Name(),
		CreatedAt:   start.UTC(),
	}
	if len(req.StyleImage) == 0 {
		record.StyleSource = "url"
		record.StyleURL = req.StyleURL
	}

	image, cacheHit, err := uc.run(ctx, requestID, req, record)
	record.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		record.Error = err.Error()
		uc.saveLog(ctx, record)
		uc.discardWorkspace(ctx, requestID)
		opLogger.Error("style transfer failed", zap.Error(err))
		return nil, err
	}

	record.Success = true
	record.CacheHit = cacheHit
	record.OutputBytes = int64(len(image))
	uc.saveLog(ctx, record)

	opLogger.Info("style transfer complete",
		zap.Bool("cache_hit", cacheHit),
		zap.Int64("latency_ms", record.LatencyMs),
		zap.Int("output_bytes", len(image)),
	)
	return &TransferResult{
		RequestID: requestID,
		Image:     image,
		CacheHit:  cacheHit,
		Latency:   time.Since(start),
	}, nil
}

func (uc *StyleTransferUseCase) run(ctx context.Context, requestID string, req TransferRequest, record *repository.TransferLog) ([]byte, bool, error) {
	styleImage := req.StyleImage
	if len(styleImage) == 0 {
		if uc.fetcher == nil {
			return nil, false, logging.NewOperationError("usecase.fetch_style", requestID, fmt.Errorf("%w: url downloads disabled", ErrStyleFetch))
		}
		fetched, err := uc.fetcher.Fetch(ctx, req.StyleURL)
		if err != nil {
			return nil, false, logging.NewOperationError("usecase.fetch_style", requestID, fmt.Errorf("%w: %w", ErrStyleFetch, err))
		}
		styleImage = fetched
	}
	record.StyleHash = digest(styleImage)

	inputs := map[string][]byte{"content": req.ContentImage, "style": styleImage, OwnerName: []byte(req.Subject)}
	for name, data := range inputs {
		if _, err := uc.storage.Save(ctx, bytes.NewReader(data), storage.SaveOptions{Workspace: requestID, Name: name}); err != nil {
			return nil, false, logging.NewOperationError("usecase.save_input", requestID, err)
		}
	}

	cacheKey := fmt.Sprintf("stylized:%s:%s:%s:%d:%d:%d", uc.model.Name(), record.ContentHash, record.StyleHash,
		uc.opts.ContentSize, uc.opts.StyleSize, uc.opts.JPEGQuality)
	if cached, ok := uc.cacheGet(ctx, requestID, cacheKey); ok {
		if err := uc.saveOutput(ctx, requestID, cached); err != nil {
			return nil, false, err
		}
		return cached, true, nil
	}

	if err := uc.sem.Acquire(ctx, 1); err != nil {
		return nil, false, logging.NewOperationError("usecase.acquire_slot", requestID, err)
	}
	defer uc.sem.Release(1)

	var contentTensor, styleTensor *tensor.Tensor
	var g errgroup.Group
	g.Go(func() error {
		t, err := preprocess(req.ContentImage, uc.opts.ContentSize, uc.opts.MaxPixels)
		contentTensor = t
		return logging.NewOperationError("usecase.preprocess_content", requestID, err)
	})
	g.Go(func() error {
		t, err := preprocess(styleImage, uc.opts.StyleSize, uc.opts.MaxPixels)
		styleTensor = t
		return logging.NewOperationError("usecase.preprocess_style", requestID, err)
	})
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	inferCtx, cancel := context.WithTimeout(ctx, uc.opts.InferenceTimeout)
	defer cancel()
	stylized, err := uc.model.Stylize(inferCtx, contentTensor, styleTensor)
	if err != nil {
		return nil, false, logging.NewOperationError("usecase.stylize", requestID, err)
	}

	out, err := uc.postprocess(stylized)
	if err != nil {
		return nil, false, logging.NewOperationError("usecase.postprocess", requestID, err)
	}

	if err := uc.saveOutput(ctx, requestID, out); err != nil {
		return nil, false, err
	}
	uc.cacheSet(ctx, requestID, cacheKey, out)
	return out, false, nil
}

// GetResult opens the stored output of a previous transfer made by subject.
// Results owned by someone else are reported as ErrNotFound.
func (uc *StyleTransferUseCase) GetResult(ctx context.Context, requestID, subject string) (io.ReadSeekCloser, storage.FileInfo, error) {
	if _, err := uuid.Parse(requestID); err != nil {
		return nil, storage.FileInfo{}, ErrNotFound
	}
	owner, err := uc.ownerOf(ctx, requestID)
	if err != nil {
		return nil, storage.FileInfo{}, err
	}
	if owner != subject {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("result requested by another subject", zap.String("subject", subject))
		return nil, storage.FileInfo{}, ErrNotFound
	}
	f, info, err := uc.storage.Open(ctx, requestID, OutputName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.FileInfo{}, ErrNotFound
	}
	if err != nil {
		return nil, storage.FileInfo{}, logging.NewOperationError("usecase.get_result", requestID, err)
	}
	return f, info, nil
}

// ownerOf prefers the transfer log and falls back to the workspace marker
// when no repository is configured.
func (uc *StyleTransferUseCase) ownerOf(ctx context.Context, requestID string) (string, error) {
	if uc.repo != nil {
		log, err := uc.repo.FindByRequestID(ctx, requestID)
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", logging.NewOperationError("usecase.get_result", requestID, err)
		}
		return log.Subject, nil
	}

	f, _, err := uc.storage.Open(ctx, requestID, OwnerName)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", logging.NewOperationError("usecase.get_result", requestID, err)
	}
	defer f.Close()
	owner, err := io.ReadAll(io.LimitReader(f, 1024))
	if err != nil {
		return "", logging.NewOperationError("usecase.get_result", requestID, err)
	}
	return string(owner), nil
}

// discardWorkspace removes the inputs of a failed transfer.
func (uc *StyleTransferUseCase) discardWorkspace(ctx context.Context, requestID string) {
	if err := uc.storage.RemoveWorkspace(context.WithoutCancel(ctx), requestID); err != nil {
		logging.WithOperation(uc.logger, "usecase.discard_workspace", requestID).Warn("failed to remove workspace", zap.Error(err))
	}
}

func preprocess(data []byte, size int, maxPixels int64) (*tensor.Tensor, error) {
	img, err := tensor.DecodeImage(data, maxPixels)
	if err != nil {
		return nil, err
	}
	return tensor.FromImage(img, size, size), nil
}

func (uc *StyleTransferUseCase) postprocess(t *tensor.Tensor) ([]byte, error) {
	img, err := t.ToImage()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tensor.EncodeJPEG(&buf, img, uc.opts.JPEGQuality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (uc *StyleTransferUseCase) saveOutput(ctx context.Context, requestID string, image []byte) error {
	_, err := uc.storage.Save(ctx, bytes.NewReader(image), storage.SaveOptions{
		Workspace:   requestID,
		Name:        OutputName,
		ContentType: "image/jpeg",
	})
	return logging.NewOperationError("usecase.save_output", requestID, err)
}

// cacheGet treats every cache failure as a miss.
func (uc *StyleTransferUseCase) cacheGet(ctx context.Context, requestID, key string) ([]byte, bool) {
	if uc.cache == nil {
		return nil, false
	}
	var value []byte
	err := retry.Do(ctx, uc.logger, uc.policy, "cache.get.result", requestID, func() error {
		v, err := uc.cache.Get(ctx, key)
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		logging.WithOperation(uc.logger, "cache.get.result", requestID).Warn("failed to read cache", zap.Error(err))
		return nil, false
	}
	return value, len(value) > 0
}

func (uc *StyleTransferUseCase) cacheSet(ctx context.Context, requestID, key string, value []byte) {
	if uc.cache == nil {
		return
	}
	err := retry.Do(ctx, uc.logger, uc.policy, "cache.set.result", requestID, func() error {
		return uc.cache.Set(ctx, key, value, uc.opts.CacheTTL)
	})
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.result", requestID).Warn("failed to cache result", zap.Error(err))
	}
}

// saveLog never fails the request; the image has already been produced.
func (uc *StyleTransferUseCase) saveLog(ctx context.Context, record *repository.TransferLog) {
	if uc.repo == nil {
		return
	}
	if err := uc.repo.SaveLog(context.WithoutCancel(ctx), record); err != nil {
		logging.WithOperation(uc.logger, "usecase.save_log", record.RequestID).Warn("failed to persist transfer log", zap.Error(err))
	}
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
