// Package filehandler provides media type detection and capture metadata
// extraction for site photos pulled from an external file source.
//
// Metadata extraction uses two readers:
//   - evanoberholster/imagemeta, which decodes JPEG, HEIC, TIFF and PNG/WebP
//     containers and already yields decimal GPS coordinates
//   - rwcarlsen/goexif, used when imagemeta fails or finds no GPS block,
//     which exposes the raw degrees/minutes/seconds rationals
//
// Both readers feed the same normalization step, so callers only ever see a
// CaptureMetadata value and never branch on the embedded format.
package filehandler

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// SupportedImageExtensions defines the file extensions that are ingested as images.
var SupportedImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// SupportedVideoExtensions defines the file extensions that are ingested as videos.
// Videos are archived and recorded but carry no capture metadata.
var SupportedVideoExtensions = map[string]string{
	".mp4": "video/mp4",
	".mov": "video/quicktime",
}

// GetMIMEType returns the MIME type for a given file extension.
func GetMIMEType(ext string) (string, error) {
	ext = strings.ToLower(ext)

	if mimeType, ok := SupportedImageExtensions[ext]; ok {
		return mimeType, nil
	}

	if mimeType, ok := SupportedVideoExtensions[ext]; ok {
		return mimeType, nil
	}

	return "", fmt.Errorf("unsupported file extension: %s", ext)
}

// MIMETypeForName resolves the MIME type of a source object from its name.
// The boolean is false when the extension is not a supported media type.
func MIMETypeForName(name string) (string, bool) {
	mimeType, err := GetMIMEType(filepath.Ext(name))
	if err != nil {
		return "", false
	}
	return mimeType, true
}

// IsImageMIME reports whether mimeType is one of the supported image types.
// Parameters such as "; charset=binary" are ignored.
func IsImageMIME(mimeType string) bool {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	for _, t := range SupportedImageExtensions {
		if t == mediaType {
			return true
		}
	}
	return false
}

// ExtensionForMIME returns a canonical file extension for mimeType, or "" when
// the type is unknown.
func ExtensionForMIME(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/tiff":
		return ".tif"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	case "image/heif":
		return ".heif"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	}
	return ""
}
