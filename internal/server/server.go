package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"imagebatch/internal/ingest"
	"imagebatch/internal/models"
	"imagebatch/internal/pipeline"
)

type RequestService interface {
	CreateRequest(ctx context.Context, records []models.Record, webhookURL string) (string, error)
	GetStatus(ctx context.Context, id string) (models.Request, error)
}

type Server struct {
	cfg       *models.Config
	router    *gin.Engine
	http      *http.Server
	service   RequestService
	validator *ingest.Validator
}

func NewServer(cfg *models.Config, service RequestService, validator *ingest.Validator) *Server {
	r := gin.Default()

	s := &Server{
		cfg:       cfg,
		router:    r,
		service:   service,
		validator: validator,
		http: &http.Server{
			Addr:              cfg.ServerAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/product")
	api.POST("/upload", s.handleUpload)
	api.GET("/status/:requestId", s.handleStatus)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	file, err := c.FormFile("file")
	if err != nil {
		errorResponse(c, http.StatusBadRequest, fmt.Errorf("csv file is required: %v", err))
		return
	}

	webhookURL := c.PostForm("webhookUrl")
	if err := ingest.ValidateWebhookURL(webhookURL); err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	src, err := file.Open()
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, fmt.Errorf("%s: %v", op, err))
		return
	}
	defer src.Close()

	records, err := s.validator.Parse(src)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	id, err := s.service.CreateRequest(c.Request.Context(), records, webhookURL)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrEmptyBatch):
			errorResponse(c, http.StatusBadRequest, err)
		case errors.Is(err, pipeline.ErrShutdown):
			errorResponse(c, http.StatusServiceUnavailable, err)
		default:
			errorResponse(c, http.StatusInternalServerError, err)
		}
		return
	}

	successResponse(c, http.StatusOK, gin.H{"requestId": id})
}

type statusResponse struct {
	RequestID         string                 `json:"requestId"`
	Status            models.RequestStatus   `json:"status"`
	SubmittedAt       time.Time              `json:"submittedAt"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty"`
	TotalProducts     int                    `json:"totalProducts"`
	ProcessedProducts int                    `json:"processedProducts"`
	Results           []models.ProductResult `json:"results,omitempty"`
	Error             string                 `json:"error,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	req, err := s.service.GetStatus(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, fmt.Errorf("request %s not found", c.Param("requestId")))
			return
		}
		errorResponse(c, http.StatusInternalServerError, err)
		return
	}

	successResponse(c, http.StatusOK, statusResponse{
		RequestID:         req.ID,
		Status:            req.Status,
		SubmittedAt:       req.SubmittedAt,
		CompletedAt:       req.CompletedAt,
		TotalProducts:     len(req.Products),
		ProcessedProducts: req.ProcessedProducts,
		Results:           req.Results,
		Error:             req.Error,
	})
}

func successResponse(c *gin.Context, code int, data any) {
	c.JSON(code, gin.H{"success": true, "data": data})
}

func errorResponse(c *gin.Context, code int, err error) {
	log.Printf("%s %s: %d %v", c.Request.Method, c.Request.URL.Path, code, err)
	c.JSON(code, gin.H{"success": false, "error": err.Error()})
}
