package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder for image.Decode
	"image/jpeg"
	_ "image/png" // Register PNG decoder for image.Decode
	"io"

	"github.com/disintegration/imaging"
)

const (
	// avatarThumbnailSize is the fixed square dimension avatars are cropped and resized to.
	avatarThumbnailSize = 256

	thumbnailQuality = 85
)

// GenerateAvatarThumbnail decodes r and returns a JPEG-encoded, center-cropped square thumbnail. Avatars are small
// enough to derive synchronously in the request path rather than through a background job queue.
func GenerateAvatarThumbnail(r io.Reader) ([]byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode avatar image: %w", err)
	}

	thumb := imaging.Fill(img, avatarThumbnailSize, avatarThumbnailSize, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode avatar thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
