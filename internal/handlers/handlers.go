package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/example/frameserver/internal/frame"
	"github.com/example/frameserver/internal/usecase"
)

// MaxUploadSize is the default limit for an uploaded frame.
const MaxUploadSize = 20 << 20

// multipartOverhead leaves room for boundaries and the prompt field.
const multipartOverhead = 1 << 20

const (
	HeaderErrorKind = "X-Frame-Error-Kind"
	HeaderRequestID = "X-Request-ID"
)

// Options tunes the registered routes.
type Options struct {
	MaxUploadSize int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.FrameTransformUseCase, opts Options) {
	maxUpload := opts.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = MaxUploadSize
	}

	// Credentialed CORS forbids wildcards, so every origin is echoed back and
	// preflights get the headers they asked for.
	router.Use(AllowRequestedHeaders(), cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead, http.MethodOptions},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.POST("/process_frame", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload+multipartOverhead)

		file, err := c.FormFile("file")
		if err != nil {
			if isTooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": tooLargeDetail(maxUpload)})
				return
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "file is required"})
			return
		}
		if file.Size > maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": tooLargeDetail(maxUpload)})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "unable to open upload"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to read upload"})
			return
		}

		requestID, out, err := uc.ProcessFrame(c.Request.Context(), usecase.FrameInput{
			Data:        data,
			Filename:    file.Filename,
			ContentType: file.Header.Get("Content-Type"),
			Prompt:      c.PostForm("prompt"),
		})
		c.Header(HeaderRequestID, requestID)
		if err != nil {
			if kind, ok := frame.KindOf(err); ok {
				c.Header(HeaderErrorKind, string(kind))
			}
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}

		c.Data(http.StatusOK, "image/png", out)
	})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func tooLargeDetail(limit int64) string {
	return fmt.Sprintf("upload exceeds the %d byte limit", limit)
}
