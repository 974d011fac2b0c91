package photo

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oip/photosync/internal/entity"
	"oip/photosync/pkg/config"
	"oip/photosync/pkg/errorutil"
)

const photoID = "6f1c1f0e-5d0b-4f8a-9a4c-0f5c0d3e8b21"

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestMakeScalesDownAndWritesJPEG(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "thumbs")
	th := NewThumbnailer(config.ThumbnailConfig{Dir: dir, Width: 320, Height: 320, Quality: 80})

	thumb, err := th.Make(photoID, pngBytes(t, 640, 480))
	require.NoError(t, err)

	assert.Equal(t, entity.ThumbnailID(photoID), thumb.UUID)
	assert.Equal(t, photoID, thumb.PhotoUUID)
	assert.Equal(t, 320, thumb.Width)
	assert.Equal(t, 240, thumb.Height)
	assert.Equal(t, filepath.Join(dir, photoID+".thumbnail.jpg"), thumb.URL)

	f, err := os.Open(thumb.URL)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 240, cfg.Height)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestMakeDoesNotUpscale(t *testing.T) {
	th := NewThumbnailer(config.ThumbnailConfig{Dir: t.TempDir(), Width: 320, Height: 320})

	thumb, err := th.Make(photoID, pngBytes(t, 100, 50))
	require.NoError(t, err)
	assert.Equal(t, 100, thumb.Width)
	assert.Equal(t, 50, thumb.Height)
}

func TestMakeRejectsUndecodableImage(t *testing.T) {
	th := NewThumbnailer(config.ThumbnailConfig{Dir: t.TempDir()})

	_, err := th.Make(photoID, []byte("definitely not an image"))
	require.Error(t, err)
	assert.True(t, errorutil.IsKind(err, errorutil.KindFatal))
}

// withPNGSize 改写 IHDR 中的宽高并重算 CRC，像素数据保持不变
func withPNGSize(t *testing.T, data []byte, w, h uint32) []byte {
	t.Helper()
	out := append([]byte(nil), data...)
	require.Equal(t, "IHDR", string(out[12:16]))
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestMakeRejectsOversizedHeaderBeforeDecode(t *testing.T) {
	dir := t.TempDir()
	th := NewThumbnailer(config.ThumbnailConfig{Dir: dir})

	data := withPNGSize(t, pngBytes(t, 4, 4), 12000, 12000)
	header, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 12000, header.Width)

	_, err = th.Make(photoID, data)
	require.Error(t, err)
	assert.True(t, errorutil.IsKind(err, errorutil.KindFatal))
	assert.Contains(t, err.Error(), "12000x12000")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMakeHonoursConfiguredPixelLimit(t *testing.T) {
	th := NewThumbnailer(config.ThumbnailConfig{Dir: t.TempDir(), MaxPixels: 100})

	_, err := th.Make(photoID, pngBytes(t, 20, 20))
	require.Error(t, err)
	assert.True(t, errorutil.IsKind(err, errorutil.KindFatal))

	thumb, err := th.Make(photoID, pngBytes(t, 10, 10))
	require.NoError(t, err)
	assert.Equal(t, 10, thumb.Width)
}

func TestFit(t *testing.T) {
	cases := []struct {
		w, h, maxW, maxH int
		ew, eh           int
	}{
		{640, 480, 320, 320, 320, 240},
		{480, 640, 320, 320, 240, 320},
		{1000, 10, 320, 320, 320, 3},
		{10, 5000, 320, 320, 1, 320},
		{320, 320, 320, 320, 320, 320},
	}
	for _, c := range cases {
		w, h := fit(c.w, c.h, c.maxW, c.maxH)
		assert.Equal(t, c.ew, w, "%dx%d", c.w, c.h)
		assert.Equal(t, c.eh, h, "%dx%d", c.w, c.h)
	}
}
