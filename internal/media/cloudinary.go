package media

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// CloudinaryStore uploads attachments to a Cloudinary folder.
type CloudinaryStore struct {
	cld    *cloudinary.Cloudinary
	folder string
}

func NewCloudinaryStore(cloudinaryURL, folder string) (*CloudinaryStore, error) {
	cld, err := cloudinary.NewFromURL(cloudinaryURL)
	if err != nil {
		return nil, err
	}
	return &CloudinaryStore{cld: cld, folder: folder}, nil
}

func (s *CloudinaryStore) Put(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	resourceType := "raw"
	if strings.HasPrefix(contentType, "image/") {
		resourceType = "image"
	}
	result, err := s.cld.Upload.Upload(ctx, r, uploader.UploadParams{
		Folder:       s.folder,
		PublicID:     strings.TrimSuffix(name, path.Ext(name)),
		ResourceType: resourceType,
	})
	if err != nil {
		return "", err
	}
	if result.Error.Message != "" {
		return "", errors.New(result.Error.Message)
	}
	return result.SecureURL, nil
}
