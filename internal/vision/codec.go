package vision

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// DecodeMat decodes an encoded image into a 3-channel BGR Mat.
// ok is false when the bytes are not a decodable image.
func DecodeMat(data []byte) (gocv.Mat, bool) {
	m, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), false
	}
	if m.Empty() {
		m.Close()
		return gocv.NewMat(), false
	}
	return m, true
}

// EncodeMatJPEG encodes m as JPEG at the given quality.
func EncodeMatJPEG(m gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, m, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// DecodeImage decodes an encoded image into an image.Image.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// EncodeImageJPEG encodes img as JPEG at the given quality.
func EncodeImageJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
