// Package qr renders pairing payloads as scannable QR images.
package qr

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

const (
	DefaultSize = 256

	// quietZone is the white border, in modules, scanners need around the
	// symbol.
	quietZone = 4

	dataURLPrefix = "data:image/png;base64,"
)

var ErrEmptyPayload = errors.New("qr: empty payload")

// Codec encodes payloads at medium error correction. The zero value is
// usable and renders DefaultSize images.
type Codec struct {
	// Size is the target edge length in pixels. The rendered image is the
	// largest whole-module multiple that fits, and never smaller than one
	// pixel per module.
	Size int
}

func New(size int) *Codec {
	return &Codec{Size: size}
}

// Image renders payload with a quiet zone and integral module size.
func (c *Codec) Image(payload string) (image.Image, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	code, err := qr.Encode(payload, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("qr: encode: %w", err)
	}

	modules := code.Bounds().Dx()
	size := c.Size
	if size <= 0 {
		size = DefaultSize
	}
	scale := max(size/(modules+2*quietZone), 1)

	scaled, err := barcode.Scale(code, modules*scale, modules*scale)
	if err != nil {
		return nil, fmt.Errorf("qr: scale: %w", err)
	}

	edge := (modules + 2*quietZone) * scale
	canvas := image.NewGray(image.Rect(0, 0, edge, edge))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	offset := quietZone * scale
	draw.Draw(canvas, scaled.Bounds().Add(image.Pt(offset, offset)), scaled, scaled.Bounds().Min, draw.Src)
	return canvas, nil
}

// PNG renders payload as PNG bytes.
func (c *Codec) PNG(payload string) ([]byte, error) {
	img, err := c.Image(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("qr: png: %w", err)
	}
	return buf.Bytes(), nil
}

// Encode renders payload as a data URL suitable for an <img> src.
func (c *Codec) Encode(payload string) (string, error) {
	b, err := c.PNG(payload)
	if err != nil {
		return "", err
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(b), nil
}

// DecodeDataURL returns the PNG bytes inside a data URL produced by Encode.
func DecodeDataURL(s string) ([]byte, error) {
	if len(s) < len(dataURLPrefix) || s[:len(dataURLPrefix)] != dataURLPrefix {
		return nil, errors.New("qr: not a png data url")
	}
	return base64.StdEncoding.DecodeString(s[len(dataURLPrefix):])
}
