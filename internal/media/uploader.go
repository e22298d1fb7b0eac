// Package media prepares device images for upload: it resolves the local
// URI, applies EXIF orientation, downsizes large photos and re-encodes them
// as JPEG before handing the bytes to the backend.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// FileUploader stores bytes remotely and returns their public URL.
type FileUploader interface {
	UploadFile(ctx context.Context, name, contentType string, r io.Reader) (string, error)
}

const (
	DefaultMaxDimension = 1600
	DefaultJPEGQuality  = 80
)

// Options tune image preparation. Zero values use the defaults.
type Options struct {
	MaxDimension int
	JPEGQuality  int
}

// Uploader implements the sync engine's media upload dependency.
type Uploader struct {
	files   FileUploader
	maxDim  int
	quality int
	logger  *slog.Logger
}

func NewUploader(files FileUploader, opts Options, logger *slog.Logger) *Uploader {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	return &Uploader{files: files, maxDim: opts.MaxDimension, quality: opts.JPEGQuality, logger: logger}
}

// Upload reads the image at uri (a file:// URI or plain path), prepares it,
// and returns the remote URL. URIs that are already http(s) are returned
// unchanged.
func (u *Uploader) Upload(ctx context.Context, uri string) (string, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri, nil
	}
	path, err := localPath(uri)
	if err != nil {
		return "", err
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("opening image %s: %w", path, err)
	}

	b := img.Bounds()
	if b.Dx() > u.maxDim || b.Dy() > u.maxDim {
		img = imaging.Fit(img, u.maxDim, u.maxDim, imaging.Lanczos)
		u.logger.Debug("image downscaled",
			"path", path, "from", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
			"to", fmt.Sprintf("%dx%d", img.Bounds().Dx(), img.Bounds().Dy()))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(u.quality)); err != nil {
		return "", fmt.Errorf("encoding image %s: %w", path, err)
	}

	name := uuid.NewString() + ".jpg"
	remote, err := u.files.UploadFile(ctx, name, "image/jpeg", &buf)
	if err != nil {
		return "", err
	}
	u.logger.Info("image uploaded", "path", path, "url", remote, "bytes", buf.Len())
	return remote, nil
}

func localPath(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("empty image uri")
	}
	if !strings.Contains(uri, "://") {
		return uri, nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing image uri %q: %w", uri, err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("unsupported image uri scheme %q", parsed.Scheme)
	}
	return parsed.Path, nil
}
