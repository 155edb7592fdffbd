package filehandler

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Minimal little-endian TIFF/EXIF encoder for building test fixtures.

const (
	tiffASCII    = 2
	tiffLong     = 4
	tiffRational = 5

	tagMake             = 0x010F
	tagModel            = 0x0110
	tagExifIFDPointer   = 0x8769
	tagGPSIFDPointer    = 0x8825
	tagDateTimeOriginal = 0x9003
	tagGPSLatitudeRef   = 0x0001
	tagGPSLatitude      = 0x0002
	tagGPSLongitudeRef  = 0x0003
	tagGPSLongitude     = 0x0004
)

type tiffEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func asciiEntry(tag uint16, s string) tiffEntry {
	b := append([]byte(s), 0)
	return tiffEntry{tag: tag, typ: tiffASCII, count: uint32(len(b)), data: b}
}

func longEntry(tag uint16, v uint32) tiffEntry {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return tiffEntry{tag: tag, typ: tiffLong, count: 1, data: b}
}

// rationalEntry encodes numerator/denominator pairs.
func rationalEntry(tag uint16, pairs ...[2]uint32) tiffEntry {
	b := make([]byte, 0, 8*len(pairs))
	for _, p := range pairs {
		b = binary.LittleEndian.AppendUint32(b, p[0])
		b = binary.LittleEndian.AppendUint32(b, p[1])
	}
	return tiffEntry{tag: tag, typ: tiffRational, count: uint32(len(pairs)), data: b}
}

func overflowLen(entries []tiffEntry) int {
	n := 0
	for _, e := range entries {
		if len(e.data) > 4 {
			n += len(e.data) + len(e.data)%2
		}
	}
	return n
}

func ifdLen(entries []tiffEntry) int {
	return 2 + 12*len(entries) + 4 + overflowLen(entries)
}

// encodeIFD writes an IFD located at offset followed by its overflow data.
func encodeIFD(entries []tiffEntry, offset uint32) []byte {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	var head, tail bytes.Buffer
	dataOff := offset + uint32(2+12*len(entries)+4)

	binary.Write(&head, binary.LittleEndian, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&head, binary.LittleEndian, e.tag)
		binary.Write(&head, binary.LittleEndian, e.typ)
		binary.Write(&head, binary.LittleEndian, e.count)
		if len(e.data) <= 4 {
			v := make([]byte, 4)
			copy(v, e.data)
			head.Write(v)
			continue
		}
		binary.Write(&head, binary.LittleEndian, dataOff+uint32(tail.Len()))
		tail.Write(e.data)
		if len(e.data)%2 == 1 {
			tail.WriteByte(0)
		}
	}
	binary.Write(&head, binary.LittleEndian, uint32(0))

	head.Write(tail.Bytes())
	return head.Bytes()
}

// exifFixture describes the tags to place in a test TIFF.
type exifFixture struct {
	Make, Model      string
	DateTimeOriginal string
	Lat, Lon         [3][2]uint32
	LatRef, LonRef   string
	WithGPS          bool
}

func buildTIFF(f exifFixture) []byte {
	var ifd0, exifIFD, gpsIFD []tiffEntry

	if f.Make != "" {
		ifd0 = append(ifd0, asciiEntry(tagMake, f.Make))
	}
	if f.Model != "" {
		ifd0 = append(ifd0, asciiEntry(tagModel, f.Model))
	}
	if f.DateTimeOriginal != "" {
		exifIFD = append(exifIFD, asciiEntry(tagDateTimeOriginal, f.DateTimeOriginal))
	}
	if f.WithGPS {
		gpsIFD = append(gpsIFD,
			asciiEntry(tagGPSLatitudeRef, f.LatRef),
			rationalEntry(tagGPSLatitude, f.Lat[0], f.Lat[1], f.Lat[2]),
			asciiEntry(tagGPSLongitudeRef, f.LonRef),
			rationalEntry(tagGPSLongitude, f.Lon[0], f.Lon[1], f.Lon[2]),
		)
	}

	// Pointer entries are inline LONGs, so their values do not change sizes.
	if len(exifIFD) > 0 {
		ifd0 = append(ifd0, longEntry(tagExifIFDPointer, 0))
	}
	if len(gpsIFD) > 0 {
		ifd0 = append(ifd0, longEntry(tagGPSIFDPointer, 0))
	}

	ifd0Off := uint32(8)
	exifOff := ifd0Off + uint32(ifdLen(ifd0))
	gpsOff := exifOff
	if len(exifIFD) > 0 {
		gpsOff += uint32(ifdLen(exifIFD))
	}

	for i := range ifd0 {
		switch ifd0[i].tag {
		case tagExifIFDPointer:
			ifd0[i] = longEntry(tagExifIFDPointer, exifOff)
		case tagGPSIFDPointer:
			ifd0[i] = longEntry(tagGPSIFDPointer, gpsOff)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("II")
	binary.Write(&buf, binary.LittleEndian, uint16(42))
	binary.Write(&buf, binary.LittleEndian, ifd0Off)
	buf.Write(encodeIFD(ifd0, ifd0Off))
	if len(exifIFD) > 0 {
		buf.Write(encodeIFD(exifIFD, exifOff))
	}
	if len(gpsIFD) > 0 {
		buf.Write(encodeIFD(gpsIFD, gpsOff))
	}
	return buf.Bytes()
}

// seattleFixture is 47°36'22.3"N 122°19'55.56"W, an iPhone shot.
func seattleFixture() exifFixture {
	return exifFixture{
		Make:             "Apple",
		Model:            "iPhone 15 Pro",
		DateTimeOriginal: "2024:05:01 10:22:33",
		WithGPS:          true,
		Lat:              [3][2]uint32{{47, 1}, {36, 1}, {223, 10}},
		LatRef:           "N",
		Lon:              [3][2]uint32{{122, 1}, {19, 1}, {5556, 100}},
		LonRef:           "W",
	}
}
