// Package encoding packs marker rasters for the wire.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Encoding names the format produced by EncodeRLE.
const Encoding = "RLE_UVARINT_B64"

// EncodeRLE encodes a raster of small ids into base64(varint pairs). The pairs
// are (id, run_len) repeated in row-major order.
func EncodeRLE[T ~uint8 | ~uint16](ids []T) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(ids) {
		v := ids[i]
		run := 1
		for j := i + 1; j < len(ids) && ids[j] == v; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], uint64(v))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeRLE reverses EncodeRLE. It refuses to expand past limit cells.
func DecodeRLE(b64 string, limit int) ([]uint16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []uint16
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if v > 0xFFFF {
			return nil, fmt.Errorf("id too large: %d", v)
		}
		if run == 0 || uint64(len(out))+run > uint64(limit) {
			return nil, fmt.Errorf("run of %d at cell %d exceeds %d cells", run, len(out), limit)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint16(v))
		}
	}
	return out, nil
}
