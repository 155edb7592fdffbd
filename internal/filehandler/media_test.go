package filehandler

import (
	"testing"
)

func TestGetMIMEType(t *testing.T) {
	tests := []struct {
		ext          string
		expectedMIME string
		expectError  bool
	}{
		{".jpg", "image/jpeg", false},
		{".jpeg", "image/jpeg", false},
		{".png", "image/png", false},
		{".webp", "image/webp", false},
		{".heic", "image/heic", false},
		{".heif", "image/heif", false},
		{".mp4", "video/mp4", false},
		{".mov", "video/quicktime", false},
		{".tiff", "image/tiff", false},
		{".gif", "", true},
		{".txt", "", true},
		{".pdf", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			mime, err := GetMIMEType(tt.ext)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for %q, got nil", tt.ext)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error for %q: %v", tt.ext, err)
				}
				if mime != tt.expectedMIME {
					t.Errorf("GetMIMEType(%q) = %q, want %q", tt.ext, mime, tt.expectedMIME)
				}
			}
		})
	}
}

func TestMIMETypeForName(t *testing.T) {
	tests := []struct {
		name     string
		wantMIME string
		wantOK   bool
	}{
		{"site/2024/IMG_0001.JPG", "image/jpeg", true},
		{"walkthrough.mov", "video/quicktime", true},
		{"scan.tif", "image/tiff", true},
		{"notes.txt", "", false},
		{"README", "", false},
	}

	for _, tt := range tests {
		got, ok := MIMETypeForName(tt.name)
		if got != tt.wantMIME || ok != tt.wantOK {
			t.Errorf("MIMETypeForName(%q) = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.wantMIME, tt.wantOK)
		}
	}
}

func TestIsImageMIME(t *testing.T) {
	tests := []struct {
		mimeType string
		expected bool
	}{
		{"image/jpeg", true},
		{"image/heic", true},
		{"image/jpeg; charset=binary", true},
		{"video/mp4", false},
		{"application/octet-stream", false},
		{"", false},
		{"not a mime", false},
	}

	for _, tt := range tests {
		if got := IsImageMIME(tt.mimeType); got != tt.expected {
			t.Errorf("IsImageMIME(%q) = %v, want %v", tt.mimeType, got, tt.expected)
		}
	}
}

func TestExtensionForMIME(t *testing.T) {
	for ext, mimeType := range SupportedImageExtensions {
		got := ExtensionForMIME(mimeType)
		if got == "" {
			t.Errorf("ExtensionForMIME(%q) = \"\", want an extension", mimeType)
			continue
		}
		if back, _ := GetMIMEType(got); back != mimeType {
			t.Errorf("ExtensionForMIME(%q) = %q, which maps back to %q (from %s)", mimeType, got, back, ext)
		}
	}
	if got := ExtensionForMIME("application/pdf"); got != "" {
		t.Errorf("ExtensionForMIME(pdf) = %q, want empty", got)
	}
}
