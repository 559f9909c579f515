// Package media holds shared helpers for outbound media payloads: decoding
// inline base64/data-URL content and bounding image dimensions before
// platform uploads.
package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
)

// DecodePayload decodes an inline payload that is either a data: URL or raw
// base64, returning the bytes and the mime type when the payload carried one.
func DecodePayload(payload string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		mimePart, b64, found := strings.Cut(rest, ";base64,")
		if !found {
			return nil, "", fmt.Errorf("unsupported data url encoding")
		}
		data, err := decodeBase64(strings.TrimSpace(b64))
		if err != nil {
			return nil, "", fmt.Errorf("decode data url: %w", err)
		}
		return data, strings.ToLower(strings.TrimSpace(mimePart)), nil
	}
	data, err := decodeBase64(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64: %w", err)
	}
	return data, "", nil
}

func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// MaxUploadDimension bounds the longest image side before platform uploads;
// chat APIs reject or heavily recompress anything larger.
const MaxUploadDimension = 2048

// DownscaleImage re-encodes an image so its longest side is at most maxDim
// pixels. Returns the input unchanged when it already fits or cannot be
// decoded (callers upload best-effort).
func DownscaleImage(data []byte, maxDim int) []byte {
	if maxDim <= 0 {
		maxDim = MaxUploadDimension
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxDim && bounds.Dy() <= maxDim {
		return data
	}

	resized := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, resized)
	default:
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return data
	}
	return buf.Bytes()
}
