// Package vision holds the numeric routines of the service: pairwise stitching,
// region-of-interest extraction, digital zoom and the sharpness gate.
//
// The heavy lifting is delegated to OpenCV through gocv (feature detection,
// matching, RANSAC homography, warps, Laplacian, convolution) and to pure-Go
// image libraries for cropping and unsharp masking. Nothing here touches the
// filesystem slots; callers in package tasks handle reading and writing.
//
// # Mat ownership
//
// Every function that returns a gocv.Mat hands ownership to the caller, who must
// Close it. Inputs are never modified or closed.
package vision
