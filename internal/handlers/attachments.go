package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"conversation-service/internal/media"
)

// multipart framing on top of the file itself
const multipartSlack = 64 << 10

// Uploader stores attachments.
type Uploader interface {
	Upload(ctx context.Context, filename string, size int64, r io.Reader) (media.Attachment, error)
}

// AttachmentHandler accepts uploads for image and file messages.
type AttachmentHandler struct {
	uploader Uploader
	maxBytes int64
}

// NewAttachmentHandler builds an AttachmentHandler.
func NewAttachmentHandler(uploader Uploader, maxBytes int64) *AttachmentHandler {
	return &AttachmentHandler{uploader: uploader, maxBytes: maxBytes}
}

// Upload stores the multipart "file" field and returns its reference.
func (h *AttachmentHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartSlack)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": media.ErrTooLarge.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file could not be read"})
		return
	}
	defer file.Close()

	att, err := h.uploader.Upload(c.Request.Context(), header.Filename, header.Size, file)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, att)
}
