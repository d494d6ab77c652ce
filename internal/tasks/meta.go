package tasks

import (
	"fmt"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// ImageInfo is the header-level description of an uploaded file.
type ImageInfo struct {
	Width  int
	Height int
	Format string
}

// IdentifyImage pings path with ImageMagick; pixels are not decoded.
func IdentifyImage(path string) (ImageInfo, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return ImageInfo{}, fmt.Errorf("identify %s: %w", path, err)
	}
	return ImageInfo{
		Width:  int(mw.GetImageWidth()),
		Height: int(mw.GetImageHeight()),
		Format: strings.ToLower(mw.GetImageFormat()),
	}, nil
}
