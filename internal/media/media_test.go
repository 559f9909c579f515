package media

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	raw := []byte("hello media")
	b64 := base64.StdEncoding.EncodeToString(raw)

	t.Run("data url", func(t *testing.T) {
		data, mime, err := DecodePayload("data:image/png;base64," + b64)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, raw) || mime != "image/png" {
			t.Errorf("got %q, %q", data, mime)
		}
	})

	t.Run("bare base64", func(t *testing.T) {
		data, mime, err := DecodePayload(b64)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, raw) || mime != "" {
			t.Errorf("got %q, %q", data, mime)
		}
	})

	t.Run("unpadded base64", func(t *testing.T) {
		unpadded := base64.RawStdEncoding.EncodeToString(raw)
		data, _, err := DecodePayload(unpadded)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, raw) {
			t.Errorf("got %q", data)
		}
	})

	t.Run("data url without base64 marker", func(t *testing.T) {
		if _, _, err := DecodePayload("data:text/plain,hi"); err == nil {
			t.Error("want error")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, _, err := DecodePayload("!!not base64!!"); err == nil {
			t.Error("want error")
		}
	})
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 10 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDownscaleImage(t *testing.T) {
	t.Run("small image untouched", func(t *testing.T) {
		data := pngImage(t, 100, 50)
		if got := DownscaleImage(data, 200); !bytes.Equal(got, data) {
			t.Error("image within bounds must pass through unchanged")
		}
	})

	t.Run("oversized image shrinks", func(t *testing.T) {
		data := pngImage(t, 400, 200)
		out := DownscaleImage(data, 100)
		img, format, err := image.Decode(bytes.NewReader(out))
		if err != nil {
			t.Fatal(err)
		}
		if format != "png" {
			t.Errorf("format = %q, want png kept", format)
		}
		b := img.Bounds()
		if b.Dx() != 100 || b.Dy() != 50 {
			t.Errorf("resized to %dx%d, want 100x50", b.Dx(), b.Dy())
		}
	})

	t.Run("non-image passes through", func(t *testing.T) {
		data := []byte("not an image")
		if got := DownscaleImage(data, 100); !bytes.Equal(got, data) {
			t.Error("undecodable payload must pass through")
		}
	})

	t.Run("zero max uses the default bound", func(t *testing.T) {
		data := pngImage(t, 100, 100)
		if got := DownscaleImage(data, 0); !bytes.Equal(got, data) {
			t.Error("image under the default bound must pass through")
		}
	})
}
