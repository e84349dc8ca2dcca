package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/realcheck/internal/auth"
	"github.com/example/realcheck/internal/inference"
	"github.com/example/realcheck/internal/usecase"
)

// DefaultMaxUploadSize caps the accepted image payload at 5 MiB.
const DefaultMaxUploadSize = 5 << 20

// allowedImageTypes is the declared content-type allow-list for uploads.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

type historyEntry struct {
	Date       time.Time       `json:"date"`
	ImageName  string          `json:"imageName"`
	Label      inference.Label `json:"label"`
	Confidence float64         `json:"confidence"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. identity may
// attach a verified subject to the request context; requests without
// credentials stay guests.
func RegisterRoutes(router *gin.Engine, uc *usecase.PredictionUseCase, maxUploadBytes int64, identity gin.HandlerFunc) {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/predict", identity, func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no image provided"})
			return
		}
		if file.Size > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		if !allowedImageTypes[mediaType(file.Header.Get("Content-Type"))] {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported media type"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		// A verified token subject wins over the advisory form field.
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			userID = c.PostForm("userId")
		}

		outcome, err := uc.Predict(c.Request.Context(), userID, file.Filename, mediaType(file.Header.Get("Content-Type")), data)
		if err != nil {
			switch {
			case errors.Is(err, usecase.ErrNoImage):
				c.JSON(http.StatusBadRequest, gin.H{"error": "no image provided"})
			case errors.Is(err, usecase.ErrInferenceFailed):
				c.JSON(http.StatusBadGateway, gin.H{"error": "analysis failed, try again"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
			return
		}

		body := gin.H{
			"request_id": outcome.RequestID,
			"label":      outcome.Label,
			"confidence": outcome.Confidence,
			"recorded":   outcome.Recorded,
		}
		if outcome.Explanation != "" {
			body["explanation"] = outcome.Explanation
		}
		c.JSON(http.StatusOK, body)
	})

	router.GET("/history", identity, func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			userID = c.Query("userId")
		}

		records, err := uc.History(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, usecase.ErrMissingIdentity) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "identity required"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}

		entries := make([]historyEntry, 0, len(records))
		for _, record := range records {
			entries = append(entries, historyEntry{
				Date:       record.CreatedAt,
				ImageName:  record.ImageName,
				Label:      record.Label,
				Confidence: record.Confidence,
			})
		}
		c.JSON(http.StatusOK, entries)
	})

	router.GET("/stats", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// mediaType strips parameters like charset from a Content-Type value.
func mediaType(value string) string {
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = value[:idx]
	}
	return strings.ToLower(strings.TrimSpace(value))
}
