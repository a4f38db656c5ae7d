// Package archive writes folder downloads as uncompressed ZIP containers.
package archive

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/klauspost/crc32"
)

const (
	localHeaderSig   = 0x04034b50
	centralHeaderSig = 0x02014b50
	endRecordSig     = 0x06054b50

	localHeaderLen   = 30
	centralHeaderLen = 46
	endRecordLen     = 22

	zipVersion  = 20     // 2.0: stored entries, no extensions
	flagUTF8    = 0x0800 // general purpose bit 11
	methodStore = 0

	// MaxEntries is the largest entry count the end record can carry.
	MaxEntries = math.MaxUint16
)

type entryInfo struct {
	name   []byte
	crc    uint32
	size   uint32
	offset uint32
}

// Build serializes entries into one ZIP archive using the store method. The
// output depends only on the input: timestamps are zeroed.
func Build(entries []models.ArchiveEntry) ([]byte, error) {
	if len(entries) > MaxEntries {
		return nil, apperr.Newf(apperr.TooLarge, "archive", "%d entries exceed the archive limit of %d", len(entries), MaxEntries)
	}

	total := endRecordLen
	infos := make([]entryInfo, len(entries))
	for i, e := range entries {
		if e.Path == "" {
			return nil, apperr.Newf(apperr.Invalid, "archive", "entry %d has no name", i)
		}
		if len(e.Path) > math.MaxUint16 {
			return nil, apperr.New(apperr.TooLarge, "archive", "entry name is too long").WithKey(e.Path)
		}
		if int64(len(e.Data)) > math.MaxUint32 {
			return nil, apperr.New(apperr.TooLarge, "archive", "entry exceeds 4 GiB").WithKey(e.Path)
		}
		infos[i] = entryInfo{
			name: []byte(e.Path),
			crc:  crc32.ChecksumIEEE(e.Data),
			size: uint32(len(e.Data)),
		}
		total += localHeaderLen + centralHeaderLen + 2*len(e.Path) + len(e.Data)
	}
	if int64(total) > math.MaxUint32 {
		return nil, apperr.New(apperr.TooLarge, "archive", "archive exceeds 4 GiB")
	}

	buf := bytes.NewBuffer(make([]byte, 0, total))
	le := binary.LittleEndian

	for i, e := range entries {
		info := &infos[i]
		info.offset = uint32(buf.Len())

		var h [localHeaderLen]byte
		le.PutUint32(h[0:], localHeaderSig)
		le.PutUint16(h[4:], zipVersion)
		le.PutUint16(h[6:], flagUTF8)
		le.PutUint16(h[8:], methodStore)
		// h[10:14] mod time and date stay zero
		le.PutUint32(h[14:], info.crc)
		le.PutUint32(h[18:], info.size)
		le.PutUint32(h[22:], info.size)
		le.PutUint16(h[26:], uint16(len(info.name)))
		// h[28:30] extra length zero
		buf.Write(h[:])
		buf.Write(info.name)
		buf.Write(e.Data)
	}

	dirOffset := uint32(buf.Len())
	for _, info := range infos {
		var h [centralHeaderLen]byte
		le.PutUint32(h[0:], centralHeaderSig)
		le.PutUint16(h[4:], zipVersion)
		le.PutUint16(h[6:], zipVersion)
		le.PutUint16(h[8:], flagUTF8)
		le.PutUint16(h[10:], methodStore)
		le.PutUint32(h[16:], info.crc)
		le.PutUint32(h[20:], info.size)
		le.PutUint32(h[24:], info.size)
		le.PutUint16(h[28:], uint16(len(info.name)))
		// extra, comment, disk start, attributes stay zero
		le.PutUint32(h[42:], info.offset)
		buf.Write(h[:])
		buf.Write(info.name)
	}
	dirSize := uint32(buf.Len()) - dirOffset

	var end [endRecordLen]byte
	le.PutUint32(end[0:], endRecordSig)
	le.PutUint16(end[8:], uint16(len(infos)))
	le.PutUint16(end[10:], uint16(len(infos)))
	le.PutUint32(end[12:], dirSize)
	le.PutUint32(end[16:], dirOffset)
	buf.Write(end[:])

	return buf.Bytes(), nil
}
