package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/finvoice/pipeline/services/mock-ocr-server/internal/mock"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	r := gin.Default()

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider-compatible endpoints
	r.GET("/oauth/2.0/token", handleToken)
	r.POST("/oauth/2.0/token", handleToken)
	r.POST("/rest/2.0/ocr/v1/vat_invoice", handleRecognize)

	// Admin endpoints for testing
	admin := r.Group("/admin")
	{
		admin.POST("/mode", handleSetMode)
	}

	addr := fmt.Sprintf(":%s", port)
	log.Printf("Starting Finvoice mock OCR server on %s", addr)
	log.Fatal(http.ListenAndServe(addr, r))
}

func handleToken(c *gin.Context) {
	if c.Query("grant_type") != "client_credentials" {
		c.JSON(http.StatusOK, gin.H{"error": "invalid_grant", "error_description": "unsupported grant type"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": fmt.Sprintf("mock-token-%s", uuid.NewString()),
		"expires_in":   2592000,
	})
}

func handleRecognize(c *gin.Context) {
	if c.Query("access_token") == "" {
		c.JSON(http.StatusOK, gin.H{"error_code": 110, "error_msg": "Access token invalid or no longer valid"})
		return
	}

	encoded := c.PostForm("pdf_file")
	if encoded == "" {
		c.JSON(http.StatusOK, gin.H{"error_code": 216200, "error_msg": "image is empty"})
		return
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error_code": 216201, "error_msg": "image format error"})
		return
	}

	c.JSON(http.StatusOK, mock.Recognize(content))
}

func handleSetMode(c *gin.Context) {
	var req struct {
		Mode  string `json:"mode"`
		Times int    `json:"times"`
	}

	// Try JSON body first, fall back to query parameters
	if err := c.ShouldBindJSON(&req); err != nil {
		req.Mode = c.DefaultQuery("mode", mock.ModeOK)
		if times, err := strconv.Atoi(c.DefaultQuery("times", "1")); err == nil {
			req.Times = times
		}
	}
	if req.Times < 1 {
		req.Times = 1
	}

	if err := mock.SetMode(req.Mode, req.Times); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mode":    req.Mode,
		"times":   req.Times,
		"message": fmt.Sprintf("Next %d recognition call(s) will behave as %q", req.Times, req.Mode),
	})
}
