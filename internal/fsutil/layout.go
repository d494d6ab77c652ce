package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves the fixed on-disk slots. Every stage output is a single file
// that the next request overwrites; there is no history.
type Layout struct {
	InputDir  string
	OutputDir string
}

// NewLayout returns a Layout rooted at the given directories.
func NewLayout(inputDir, outputDir string) Layout {
	return Layout{InputDir: inputDir, OutputDir: outputDir}
}

// ZoomDir holds the zoomed slots.
func (l Layout) ZoomDir() string { return filepath.Join(l.OutputDir, "zoom_output") }

// AutoFocusDir holds the auto-focused slots.
func (l Layout) AutoFocusDir() string { return filepath.Join(l.OutputDir, "autofocus_output") }

// Stitched is the composite slot.
func (l Layout) Stitched() string { return filepath.Join(l.OutputDir, "stitched_output.jpg") }

// ROI is the region-of-interest slot.
func (l Layout) ROI() string { return filepath.Join(l.OutputDir, "roi_output.jpg") }

// Zoomed is the slot for one zoom factor.
func (l Layout) Zoomed(factor int) string {
	return filepath.Join(l.ZoomDir(), fmt.Sprintf("zoomed_output_%dx.jpg", factor))
}

// AutoFocused is the slot for one auto-focused zoom factor.
func (l Layout) AutoFocused(factor int) string {
	return filepath.Join(l.AutoFocusDir(), fmt.Sprintf("autofocused_%dx.jpg", factor))
}

// Upload is where an already-sanitized upload name lands.
func (l Layout) Upload(name string) string { return filepath.Join(l.InputDir, name) }

// EnsureDirs creates every directory the slots live in.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.InputDir, l.OutputDir, l.ZoomDir(), l.AutoFocusDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
