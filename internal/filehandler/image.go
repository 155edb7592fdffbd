package filehandler

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/fpang/site-media-pipeline/internal/geo"
)

// exifTimeLayout is the layout of EXIF ASCII date/time values.
const exifTimeLayout = "2006:01:02 15:04:05"

// CaptureMetadata is the normalized capture information embedded in a media
// item. Every field is optional. Latitude and Longitude are either both set or
// both nil.
type CaptureMetadata struct {
	Latitude         *float64   `json:"latitude,omitempty"`
	Longitude        *float64   `json:"longitude,omitempty"`
	CaptureTimestamp *time.Time `json:"captureTimestamp,omitempty"`
	DeviceLabel      *string    `json:"deviceLabel,omitempty"`
}

// HasGPS returns true if both coordinates are available.
func (m CaptureMetadata) HasGPS() bool {
	return m.Latitude != nil && m.Longitude != nil
}

// IsEmpty returns true if no field could be extracted.
func (m CaptureMetadata) IsEmpty() bool {
	return !m.HasGPS() && m.CaptureTimestamp == nil && m.DeviceLabel == nil
}

// ExtractCaptureMetadata parses raw media bytes into CaptureMetadata.
//
// It never fails: unsupported types, unreadable containers and corrupt EXIF
// blocks all produce an empty CaptureMetadata. The capture timestamp is only
// taken from the original capture time tag; applying a fallback such as the
// source creation time is left to the caller.
func ExtractCaptureMetadata(data []byte, mimeType string) (meta CaptureMetadata) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("mimeType", mimeType).
				Str("panic", fmt.Sprint(r)).
				Msg("Metadata parser panicked, continuing without metadata")
			meta = CaptureMetadata{}
		}
	}()

	if len(data) == 0 || !IsImageMIME(mimeType) {
		return CaptureMetadata{}
	}

	raw, err := readImagemeta(data)
	if err != nil {
		log.Debug().Err(err).Str("mimeType", mimeType).Msg("imagemeta could not decode metadata")
	}

	if !raw.complete() {
		fallback, ferr := readGoexif(data)
		if ferr != nil {
			log.Debug().Err(ferr).Str("mimeType", mimeType).Msg("goexif could not decode metadata")
		} else {
			raw = raw.merge(fallback)
		}
	}

	meta = normalize(raw)

	log.Debug().
		Str("mimeType", mimeType).
		Bool("hasGps", meta.HasGPS()).
		Bool("hasDate", meta.CaptureTimestamp != nil).
		Bool("hasDevice", meta.DeviceLabel != nil).
		Msg("Capture metadata extraction complete")

	return meta
}

// readImagemeta decodes metadata with imagemeta. GPS comes back as decimal
// degrees with the N/S, E/W reference already applied.
func readImagemeta(data []byte) (rawCapture, error) {
	exifData, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		return rawCapture{}, fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	var raw rawCapture

	// An unset GPS block decodes as 0,0.
	gps := exifData.GPS
	if gps.Latitude() != 0 || gps.Longitude() != 0 {
		raw.GPS = decimalGPS{Latitude: gps.Latitude(), Longitude: gps.Longitude()}
	}

	if t := exifData.DateTimeOriginal(); !t.IsZero() {
		raw.OriginalTime = t
	}

	raw.Make = exifData.Make
	raw.Model = exifData.Model
	return raw, nil
}

// readGoexif decodes metadata with goexif and keeps GPS as the raw
// degrees/minutes/seconds rationals plus their reference letters.
func readGoexif(data []byte) (rawCapture, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return rawCapture{}, fmt.Errorf("failed to decode EXIF: %w", err)
	}

	var raw rawCapture

	lat, latErr := dmsTag(x, exif.GPSLatitude)
	lon, lonErr := dmsTag(x, exif.GPSLongitude)
	if latErr == nil && lonErr == nil {
		raw.GPS = dmsGPS{
			Latitude:     lat,
			Longitude:    lon,
			LatitudeRef:  stringTag(x, exif.GPSLatitudeRef),
			LongitudeRef: stringTag(x, exif.GPSLongitudeRef),
		}
	}

	if s := stringTag(x, exif.DateTimeOriginal); s != "" {
		// Without an offset tag the wall clock is stored as UTC.
		if t, err := time.ParseInLocation(exifTimeLayout, s, time.UTC); err == nil {
			raw.OriginalTime = t
		} else {
			log.Debug().Str("value", s).Msg("Unparsable DateTimeOriginal, ignoring")
		}
	}

	raw.Make = stringTag(x, exif.Make)
	raw.Model = stringTag(x, exif.Model)
	return raw, nil
}

// dmsTag reads a three-rational GPS coordinate tag.
func dmsTag(x *exif.Exif, name exif.FieldName) (DMS, error) {
	tag, err := x.Get(name)
	if err != nil {
		return DMS{}, err
	}
	if tag.Count < 3 {
		return DMS{}, fmt.Errorf("%s: expected 3 rationals, got %d", name, tag.Count)
	}

	var out DMS
	for i := 0; i < 3; i++ {
		num, den, err := tag.Rat2(i)
		if err != nil {
			return DMS{}, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		if den == 0 {
			return DMS{}, fmt.Errorf("%s[%d]: zero denominator", name, i)
		}
		out[i] = float64(num) / float64(den)
	}
	return out, nil
}

// stringTag returns the trimmed ASCII value of a tag, or "" if missing.
func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return cleanASCII(s)
}

// normalize turns whatever the readers found into CaptureMetadata, enforcing
// coordinate ranges and the latitude/longitude pairing.
func normalize(raw rawCapture) CaptureMetadata {
	var meta CaptureMetadata

	if raw.GPS != nil {
		lat, lon, ok := raw.GPS.decimal()
		switch {
		case !ok:
		case lat == 0 && lon == 0:
		case !geo.ValidCoordinates(lat, lon):
			log.Debug().Float64("latitude", lat).Float64("longitude", lon).Msg("GPS coordinates out of range, dropping both")
		default:
			meta.Latitude = &lat
			meta.Longitude = &lon
		}
	}

	if !raw.OriginalTime.IsZero() {
		t := raw.OriginalTime
		meta.CaptureTimestamp = &t
	}

	if label := deviceLabel(raw.Make, raw.Model); label != "" {
		meta.DeviceLabel = &label
	}

	return meta
}

// deviceLabel combines camera make and model into one readable label.
func deviceLabel(cameraMake, cameraModel string) string {
	cameraMake = cleanASCII(cameraMake)
	cameraModel = cleanASCII(cameraModel)

	switch {
	case cameraMake == "" && cameraModel == "":
		return ""
	case cameraMake == "":
		return cameraModel
	case cameraModel == "":
		return cameraMake
	case strings.HasPrefix(strings.ToLower(cameraModel), strings.ToLower(cameraMake)):
		// "Canon" + "Canon EOS R5"
		return cameraModel
	default:
		return cameraMake + " " + cameraModel
	}
}

func cleanASCII(s string) string {
	return strings.TrimSpace(strings.Trim(s, "\x00\""))
}
