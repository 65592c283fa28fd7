package diffusion

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	"github.com/example/frameserver/internal/frame"
)

// EncodeImage renders img as base64 PNG, the form workers accept init images in.
func EncodeImage(img image.Image) (string, error) {
	data, err := frame.EncodePNG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeImages parses base64 encoded worker output into a Result.
func DecodeImages(encoded []string) (*Result, error) {
	result := &Result{Images: make([]image.Image, 0, len(encoded))}
	for i, s := range encoded {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("image %d: invalid base64: %w", i, err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		result.Images = append(result.Images, img)
	}
	return result, nil
}
