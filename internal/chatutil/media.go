package chatutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// MaxAttachmentDimension bounds the longest edge of an image attachment
// before it's handed to a chat adapter for upload; most platform APIs
// reject or heavily recompress anything larger, so downscaling locally
// keeps the upload fast and predictable.
const MaxAttachmentDimension = 2048

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
}

// IsImage reports whether path's extension looks like a raster image this
// package knows how to downscale.
func IsImage(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// PrepareAttachment downscales an oversized image attachment, writing the
// result to a new temp file and returning its path (the original file is
// left unchanged); non-image paths and images already within bounds are
// returned unchanged.
func PrepareAttachment(path string) (string, error) {
	if !IsImage(path) {
		return path, nil
	}

	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open attachment %q: %w", path, err)
	}

	bounds := src.Bounds()
	if bounds.Dx() <= MaxAttachmentDimension && bounds.Dy() <= MaxAttachmentDimension {
		return path, nil
	}

	resized := imaging.Fit(src, MaxAttachmentDimension, MaxAttachmentDimension, imaging.Lanczos)

	out, err := os.CreateTemp("", "chatutil-attachment-*"+filepath.Ext(path))
	if err != nil {
		return "", fmt.Errorf("create resized attachment temp file: %w", err)
	}
	out.Close()

	if err := imaging.Save(resized, out.Name()); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("save resized attachment: %w", err)
	}
	return out.Name(), nil
}
