// Package pairing renders raw pairing payloads into scannable QR codes.
package pairing

import (
	"encoding/base64"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// ImageSize is the PNG edge length in pixels.
const ImageSize = 512

const dataURLPrefix = "data:image/png;base64,"

// PNG encodes payload as a QR PNG with medium error correction and a quiet zone.
func PNG(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("empty pairing payload")
	}
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode QR: %w", err)
	}
	png, err := qr.PNG(ImageSize)
	if err != nil {
		return nil, fmt.Errorf("render QR: %w", err)
	}
	return png, nil
}

// RenderDataURL returns payload as a base64 PNG data URL, ready for an <img> tag.
func RenderDataURL(payload string) (string, error) {
	png, err := PNG(payload)
	if err != nil {
		return "", err
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// DecodeDataURL returns the PNG bytes inside a data URL produced by RenderDataURL.
func DecodeDataURL(url string) ([]byte, error) {
	raw, ok := strings.CutPrefix(url, dataURLPrefix)
	if !ok {
		return nil, fmt.Errorf("not a PNG data URL")
	}
	return base64.StdEncoding.DecodeString(raw)
}

// TerminalString converts payload to a compact QR code using Unicode
// half-block characters, two bitmap rows per line.
func TerminalString(payload string) (string, error) {
	qr, err := qrcode.New(payload, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encode QR: %w", err)
	}
	bitmap := qr.Bitmap()
	rows := len(bitmap)
	cols := 0
	if rows > 0 {
		cols = len(bitmap[0])
	}

	var sb strings.Builder
	for y := 0; y < rows; y += 2 {
		sb.WriteString("  ")
		for x := 0; x < cols; x++ {
			top := bitmap[y][x]
			bot := false
			if y+1 < rows {
				bot = bitmap[y+1][x]
			}
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String(), nil
}
