// Package qr implements the structured multi-QR segmentation/reassembly
// protocol used to shuttle bytes across the air gap: split() chunks a
// payload into a bag of byte records bearing a structured-append header,
// merge() reassembles an unordered bag of those records back into the
// original payload. A thin PNG renderer turns each record into a real
// scannable QR image.
package qr

import (
	"sort"

	"github.com/dan/airsig/internal/airsigerr"
	skipqr "github.com/skip2/go-qrcode"
)

// header field constants: mode indicator 0b0011 marks a structured-append
// record, 0b0100 marks the byte-mode encoding that follows the header.
const (
	modeStructuredAppend = 0x3
	modeByteEncoding     = 0x4

	// MinVersion/MaxVersion bound the --qr-version flag exposed by the CLI;
	// MaxBytes itself is indexed 0..32 so split() can be called with any
	// table entry even though only 5..20 are reachable from the CLI.
	MinVersion = 5
	MaxVersion = 20

	// MaxParts is the largest number of QR codes a single payload may be
	// split into: the sequence/total-1 header fields are each 4 bits wide.
	MaxParts = 16
)

// MaxBytes is the maximum payload bytes a single structured-append record
// can carry at a given QR version (index 1..32; index 0 is unused).
var MaxBytes = [33]int{
	0, 15, 30, 51, 76, 104, 132, 152, 190, 228, 269, 319, 365, 423, 456, 518,
	584, 642, 716, 790, 856, 927, 1001, 1089, 1169, 1271, 1365, 1463, 1526,
	1626, 1730, 1838, 1950,
}

// Chunk is a parsed structured-append record.
type Chunk struct {
	Seq     int
	Total   int // total-1, i.e. the highest valid Seq
	Parity  byte
	Content []byte
}

// Split divides payload into one or more structured-append byte records at
// the given QR version. A payload that fits in a single record still gets
// the structured-append header (total=0, seq=0) so Merge's decode path is
// uniform regardless of how many pieces a payload was split into.
func Split(payload []byte, version int) ([][]byte, error) {
	if version < 1 || version >= len(MaxBytes) || MaxBytes[version] == 0 {
		return nil, airsigerr.New(airsigerr.KindInvalidStructuredQr, "unsupported qr version")
	}
	maxBytes := MaxBytes[version]

	parity := xorAll(payload)
	total := len(payload) / maxBytes
	if len(payload)%maxBytes != 0 || total == 0 {
		total++
	}
	if total > MaxParts {
		return nil, airsigerr.New(airsigerr.KindInvalidStructuredQr, "could split into more than 16 qr codes")
	}

	records := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxBytes
		end := start + maxBytes
		if end > len(payload) {
			end = len(payload)
		}
		records = append(records, encodeChunk(i, total, parity, payload[start:end]))
	}
	return records, nil
}

// encodeChunk packs one structured-append record: 4-bit mode indicator,
// 4-bit sequence, 4-bit total-1, 8-bit whole-payload parity, a 4-bit
// byte-encoding marker rounding the header out to 3 whole bytes, then a
// 1- or 2-byte big-endian length field and the content itself.
func encodeChunk(seq, total int, parity byte, content []byte) []byte {
	header := [3]byte{
		byte(modeStructuredAppend<<4) | byte(seq&0x0f),
		byte((total-1)&0x0f)<<4 | (parity >> 4),
		(parity&0x0f)<<4 | modeByteEncoding,
	}

	var lengthField []byte
	if len(content) < 255 {
		lengthField = []byte{byte(len(content))}
	} else {
		lengthField = []byte{byte(len(content) >> 8), byte(len(content))}
	}

	out := make([]byte, 0, len(header)+len(lengthField)+len(content))
	out = append(out, header[:]...)
	out = append(out, lengthField...)
	out = append(out, content...)
	return out
}

// decodeChunk is the inverse of encodeChunk, validating every header field
// along the way.
func decodeChunk(record []byte) (Chunk, error) {
	if len(record) < 4 {
		return Chunk{}, airsigerr.New(airsigerr.KindInvalidStructuredQr, "record shorter than the structured-append header")
	}
	mode := record[0] >> 4
	if mode != modeStructuredAppend {
		return Chunk{}, airsigerr.New(airsigerr.KindInvalidStructuredQr, "mode indicator is not structured-append")
	}
	seq := int(record[0] & 0x0f)
	total := int(record[1] >> 4)
	if seq > total {
		return Chunk{}, airsigerr.New(airsigerr.KindInvalidStructuredQr, "sequence number greater than total")
	}
	parity := (record[1]&0x0f)<<4 | (record[2] >> 4)
	if record[2]&0x0f != modeByteEncoding {
		return Chunk{}, airsigerr.New(airsigerr.KindInvalidStructuredQr, "encoding mode is not byte mode")
	}

	var length, from int
	if len(record) < 259 {
		length, from = int(record[3]), 4
	} else {
		if len(record) < 5 {
			return Chunk{}, airsigerr.New(airsigerr.KindInvalidStructuredQr, "record too short for a two-byte length field")
		}
		length, from = int(record[3])<<8|int(record[4]), 5
	}
	end := from + length
	if len(record) < end {
		return Chunk{}, airsigerr.New(airsigerr.KindInvalidStructuredQr, "declared content length exceeds the record")
	}

	return Chunk{Seq: seq, Total: total, Parity: parity, Content: record[from:end]}, nil
}

// Merge reassembles an unordered bag of ≥2 distinct structured-append
// records into the original payload, validating that every chunk of the
// split is present exactly once and that the whole-payload parity recomputed
// from the reassembled bytes matches every chunk's claimed parity.
func Merge(records [][]byte) ([]byte, error) {
	seen := map[string]bool{}
	var chunks []Chunk
	for _, r := range records {
		key := string(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		c, err := decodeChunk(r)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if len(chunks) < 2 {
		return nil, airsigerr.New(airsigerr.KindInvalidStructuredQr, "need at least 2 different pieces to merge")
	}

	total := chunks[0].Total
	for _, c := range chunks {
		if c.Total != total {
			return nil, airsigerr.New(airsigerr.KindInvalidStructuredQr, "chunks disagree on the total piece count")
		}
	}

	seqSet := map[int]bool{}
	for _, c := range chunks {
		seqSet[c.Seq] = true
	}
	if len(seqSet) != total+1 {
		return nil, airsigerr.New(airsigerr.KindInvalidStructuredQr, "not all the part are present")
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })

	var result []byte
	for _, c := range chunks {
		result = append(result, c.Content...)
	}

	parity := xorAll(result)
	for _, c := range chunks {
		if c.Parity != parity {
			return nil, airsigerr.New(airsigerr.KindInvalidStructuredQr, "invalid parities while merging")
		}
	}
	return result, nil
}

func xorAll(b []byte) byte {
	var acc byte
	for _, x := range b {
		acc ^= x
	}
	return acc
}

// RenderPNG encodes record (one structured-append byte record, as produced
// by Split) as a scannable QR code PNG at the given pixel size, forcing byte
// mode through the non-printable header bytes.
func RenderPNG(record []byte, size int) ([]byte, error) {
	png, err := skipqr.Encode(string(record), skipqr.Medium, size)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindGeneric, "rendering qr png", err)
	}
	return png, nil
}
