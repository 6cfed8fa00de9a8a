package processing

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

const (
	BMPHeaderSize = 54
	dibHeaderSize = 40
	bytesPerPixel = 3
)

// Image is one encoded 24-bit bitmap. Data is never modified after
// creation and may be shared between readers.
type Image struct {
	Width  int
	Height int
	Data   []byte
}

// DataURI returns the image as an inline data URI for an <img> element.
func (img Image) DataURI() string {
	return "data:image/bmp;base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// EncodeBMP packs pixels (row after row, left to right) into an
// uncompressed 24-bit bitmap. Rows are written without padding, so
// width*3 must already be a multiple of four.
func EncodeBMP(width, height int, pixels []RGB) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid bitmap size %dx%d", width, height)
	}
	if (width*bytesPerPixel)%4 != 0 {
		return nil, fmt.Errorf("bitmap width %d needs row padding", width)
	}
	if len(pixels) != width*height {
		return nil, fmt.Errorf("bitmap has %d pixels, want %d", len(pixels), width*height)
	}

	dataSize := len(pixels) * bytesPerPixel
	out := make([]byte, BMPHeaderSize+dataSize)

	out[0] = 'B'
	out[1] = 'M'
	binary.LittleEndian.PutUint32(out[2:6], uint32(len(out)))
	binary.LittleEndian.PutUint32(out[10:14], BMPHeaderSize)

	binary.LittleEndian.PutUint32(out[14:18], dibHeaderSize)
	binary.LittleEndian.PutUint32(out[18:22], uint32(width))
	binary.LittleEndian.PutUint32(out[22:26], uint32(height))
	binary.LittleEndian.PutUint16(out[26:28], 1)
	binary.LittleEndian.PutUint16(out[28:30], bytesPerPixel*8)
	// compression (30:34) stays zero
	binary.LittleEndian.PutUint32(out[34:38], uint32(dataSize))

	pix := out[BMPHeaderSize:]
	for i, c := range pixels {
		pix[i*3] = c.B
		pix[i*3+1] = c.G
		pix[i*3+2] = c.R
	}
	return out, nil
}
