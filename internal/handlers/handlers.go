package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/style-transfer/internal/auth"
	"github.com/example/style-transfer/internal/logging"
	"github.com/example/style-transfer/internal/usecase"
	"github.com/example/style-transfer/internal/web"
)

// MaxUploadSize is the default per-file upload limit.
const MaxUploadSize = 10 << 20

// Config controls limits and the page shown at "/".
type Config struct {
	MaxUploadSize int64
	ContentSize   int
	StyleSize     int
	// Auth guards the transfer, result and metrics routes when non-nil.
	Auth   gin.HandlerFunc
	Logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.StyleTransferUseCase, cfg Config) error {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = MaxUploadSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	tmpl, err := web.Templates()
	if err != nil {
		return err
	}
	router.SetHTMLTemplate(tmpl)

	h := &transferHandler{uc: uc, cfg: cfg, logger: cfg.Logger.Named("handlers")}

	router.GET("/", h.index)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	if cfg.Auth != nil {
		protected.Use(cfg.Auth)
	}
	protected.POST("/style_transfer", h.styleTransfer)
	protected.GET("/results/:id", h.result)
	protected.GET("/metrics/summary", h.metrics)
	return nil
}

type transferHandler struct {
	uc     *usecase.StyleTransferUseCase
	cfg    Config
	logger *zap.Logger
}

func (h *transferHandler) index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{
		"ContentSize": h.cfg.ContentSize,
		"StyleSize":   h.cfg.StyleSize,
		"MaxUploadMB": h.cfg.MaxUploadSize >> 20,
		"AuthEnabled": h.cfg.Auth != nil,
	})
}

func (h *transferHandler) styleTransfer(c *gin.Context) {
	// Two files plus form overhead.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*h.cfg.MaxUploadSize+(1<<20))
	if err := c.Request.ParseMultipartForm(h.cfg.MaxUploadSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing content_image"})
		return
	}

	contentFile, err := c.FormFile("content_image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing content_image"})
		return
	}
	content, status, err := h.readUpload(contentFile)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	req := usecase.TransferRequest{
		ContentImage: content,
		StyleURL:     strings.TrimSpace(c.PostForm("style_url")),
	}
	if subject, ok := auth.GetSubject(c.Request.Context()); ok {
		req.Subject = subject
	}
	if styleFile, err := c.FormFile("style_image"); err == nil && styleFile.Size > 0 {
		style, status, err := h.readUpload(styleFile)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		req.StyleImage = style
	}

	res, err := h.uc.Transfer(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	cacheStatus := "MISS"
	if res.CacheHit {
		cacheStatus = "HIT"
	}
	c.Header("X-Request-ID", res.RequestID)
	c.Header("X-Cache", cacheStatus)
	c.Data(http.StatusOK, "image/jpeg", res.Image)
}

func (h *transferHandler) readUpload(fh *multipart.FileHeader) ([]byte, int, error) {
	if fh.Size > h.cfg.MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
	}

	src, err := fh.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to open upload")
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.cfg.MaxUploadSize+1))
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to read upload")
	}
	if int64(len(data)) > h.cfg.MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
	}

	if detected := mimetype.Detect(data); !strings.HasPrefix(detected.String(), "image/") {
		h.logger.Warn("rejected non-image upload", zap.String("filename", fh.Filename), zap.String("mime", detected.String()))
		return nil, http.StatusUnsupportedMediaType, errors.New("unsupported file type")
	}
	return data, http.StatusOK, nil
}

func (h *transferHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrMissingContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing content_image"})
	case errors.Is(err, usecase.ErrMissingStyle):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing style image or URL"})
	case errors.Is(err, usecase.ErrImageTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image dimensions too large"})
	case errors.Is(err, usecase.ErrStyleFetch):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		h.logger.Error("style transfer request failed", zap.Error(err), zap.String("operation", logging.OperationOf(err)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Style transfer failed"})
	}
}

func (h *transferHandler) result(c *gin.Context) {
	requestID := c.Param("id")

	subject, _ := auth.GetSubject(c.Request.Context())
	f, info, err := h.uc.GetResult(c.Request.Context(), requestID, subject)
	if errors.Is(err, usecase.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to open result", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open result"})
		return
	}
	defer f.Close()

	c.Header("X-Request-ID", requestID)
	c.DataFromReader(http.StatusOK, info.Size, "image/jpeg", f, nil)
}

func (h *transferHandler) metrics(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if errors.Is(err, usecase.ErrMetricsUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
