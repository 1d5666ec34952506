package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ftrvxmtrx/tga"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// DefaultDownscaleThreshold is the edge length both dimensions must exceed
// before a texture is halved.
const DefaultDownscaleThreshold = 512

// textureCodec reads and writes one texture format. Codecs are picked by
// extension; TGA has no magic bytes to sniff.
type textureCodec struct {
	name         string
	decodeConfig func(io.Reader) (image.Config, error)
	decode       func(io.Reader) (image.Image, error)
	encode       func(io.Writer, image.Image) error
}

var (
	jpegCodec = textureCodec{
		name:         "jpeg",
		decodeConfig: jpeg.DecodeConfig,
		decode:       jpeg.Decode,
		encode: func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
		},
	}
	bmpCodec = textureCodec{
		name:         "bmp",
		decodeConfig: bmp.DecodeConfig,
		decode:       bmp.Decode,
		encode:       bmp.Encode,
	}
	tgaCodec = textureCodec{
		name:         "tga",
		decodeConfig: tga.DecodeConfig,
		decode:       tga.Decode,
		encode:       tga.Encode,
	}
)

var textureCodecs = map[string]textureCodec{
	".bmp":  bmpCodec,
	".jpg":  jpegCodec,
	".jpeg": jpegCodec,
	".tga":  tgaCodec,
}

func codecFor(path string) (textureCodec, bool) {
	c, ok := textureCodecs[strings.ToLower(filepath.Ext(path))]
	return c, ok
}

// Downscaler halves oversized textures in place
type Downscaler struct {
	threshold int
	logger    *slog.Logger
}

// NewDownscaler creates a Downscaler. A threshold <= 0 uses the default.
func NewDownscaler(threshold int, logger *slog.Logger) *Downscaler {
	if threshold <= 0 {
		threshold = DefaultDownscaleThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downscaler{
		threshold: threshold,
		logger:    logger.With("component", "downscaler"),
	}
}

// Dir downscales every texture below dir and returns how many were changed.
func (d *Downscaler) Dir(ctx context.Context, dir string) (int, error) {
	changed := 0
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if _, ok := codecFor(path); !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := d.File(path)
		if err != nil {
			return err
		}
		if ok {
			changed++
		}
		return nil
	})
	if err != nil {
		return changed, fmt.Errorf("downscaling textures: %w", err)
	}
	return changed, nil
}

// File halves the image at path if both dimensions exceed the threshold.
// Files below the threshold, unknown extensions and unreadable headers are
// left untouched.
func (d *Downscaler) File(path string) (bool, error) {
	codec, ok := codecFor(path)
	if !ok {
		return false, nil
	}

	cfg, err := readTexture(path, codec.decodeConfig)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return false, err
	}
	if err != nil {
		d.logger.Warn("skipping unreadable texture", "path", path, "format", codec.name, "error", err)
		return false, nil
	}
	if cfg.Width <= d.threshold || cfg.Height <= d.threshold {
		return false, nil
	}

	src, err := readTexture(path, codec.decode)
	if err != nil {
		return false, fmt.Errorf("decoding %s: %w", path, err)
	}

	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx()/2, bounds.Dy()/2))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	if err := writeImage(path, codec, dst); err != nil {
		return false, err
	}

	d.logger.Debug("downscaled texture", "path", path,
		"from", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()),
		"to", fmt.Sprintf("%dx%d", dst.Bounds().Dx(), dst.Bounds().Dy()))
	return true, nil
}

func readTexture[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer f.Close()
	return read(f)
}

// writeImage replaces path with img through a temporary sibling file.
func writeImage(path string, codec textureCodec, img image.Image) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if err = codec.encode(tmp, img); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
