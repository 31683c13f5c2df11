// Package media accepts attachments, checks them against the upload
// policy and hands them to a content store.
package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"conversation-service/internal/apperror"
)

const sniffBytes = 3072

// ErrTooLarge marks an attachment above the size ceiling.
var ErrTooLarge = errors.New("attachment too large")

// Store persists attachment bytes and returns a retrievable reference.
type Store interface {
	Put(ctx context.Context, name, contentType string, r io.Reader) (string, error)
}

// Policy is the upload ceiling and the allowed content types. Entries may
// end in "/*" to allow a whole family.
type Policy struct {
	MaxBytes int64
	Allowed  []string
}

// Allows reports whether the detected type is permitted.
func (p Policy) Allows(detected *mimetype.MIME) bool {
	for _, allowed := range p.Allowed {
		if family, ok := strings.CutSuffix(allowed, "/*"); ok {
			if strings.HasPrefix(detected.String(), family+"/") {
				return true
			}
			continue
		}
		for m := detected; m != nil; m = m.Parent() {
			if m.Is(allowed) {
				return true
			}
		}
	}
	return false
}

// Attachment is the upload result handed back to clients.
type Attachment struct {
	MediaURL    string `json:"mediaUrl"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type Uploader struct {
	store   Store
	policy  Policy
	timeout time.Duration
}

func NewUploader(store Store, policy Policy, timeout time.Duration) *Uploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Uploader{store: store, policy: policy, timeout: timeout}
}

// Upload validates and stores one attachment. size is the declared length;
// the stream is also cut off once it passes the ceiling.
func (u *Uploader) Upload(ctx context.Context, filename string, size int64, r io.Reader) (Attachment, error) {
	if size > u.policy.MaxBytes {
		return Attachment{}, apperror.New(apperror.Validation, "media.upload", ErrTooLarge.Error(), ErrTooLarge)
	}

	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Attachment{}, apperror.ValidationFailure("media.upload", "attachment could not be read")
	}
	head = head[:n]
	if n == 0 {
		return Attachment{}, apperror.ValidationFailure("media.upload", "attachment is empty")
	}

	detected := mimetype.Detect(head)
	if !u.policy.Allows(detected) {
		return Attachment{}, apperror.ValidationFailure("media.upload", "unsupported file type "+detected.String())
	}
	contentType := strings.SplitN(detected.String(), ";", 2)[0]

	body := &limitedReader{r: io.MultiReader(bytes.NewReader(head), r), remaining: u.policy.MaxBytes}
	name := uuid.NewString() + extensionFor(filename, detected)

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	url, err := u.store.Put(ctx, name, contentType, body)
	if errors.Is(err, ErrTooLarge) {
		return Attachment{}, apperror.New(apperror.Validation, "media.upload", ErrTooLarge.Error(), ErrTooLarge)
	}
	if err != nil {
		log.Error().Err(err).Str("name", name).Msg("content store put failed")
		return Attachment{}, apperror.TransientFailure("media.upload", "attachment could not be stored", err)
	}
	return Attachment{MediaURL: url, ContentType: contentType, Size: body.read}, nil
}

func extensionFor(filename string, detected *mimetype.MIME) string {
	if ext := detected.Extension(); ext != "" {
		return ext
	}
	return strings.ToLower(filepath.Ext(filepath.Base(filename)))
}

type limitedReader struct {
	r         io.Reader
	remaining int64
	read      int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
