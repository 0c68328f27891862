package barcode

import (
	"errors"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// ErrRender wraps every failure to produce a barcode image.
var ErrRender = errors.New("barcode render failed")

// Renderer turns text into a square PNG image of size x size pixels.
type Renderer interface {
	Render(text string, size int) ([]byte, error)
}

// QRRenderer renders QR codes with medium (15%) error recovery.
type QRRenderer struct {
	Level qrcode.RecoveryLevel
}

func NewQRRenderer() *QRRenderer {
	return &QRRenderer{Level: qrcode.Medium}
}

func (r *QRRenderer) Render(text string, size int) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty content", ErrRender)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrRender, size)
	}
	q, err := qrcode.New(text, r.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	png, err := q.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return png, nil
}

var _ Renderer = (*QRRenderer)(nil)
