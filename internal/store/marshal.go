package store

import (
	"encoding/binary"
	"fmt"
)

// EncodeKeyList packs a list of key encodings into one blob: each key
// is prefixed with its uvarint length. The order is preserved.
func EncodeKeyList(keys [][]byte) []byte {
	size := 0
	for _, k := range keys {
		size += binary.MaxVarintLen64 + len(k)
	}
	buf := make([]byte, 0, size)
	for _, k := range keys {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
	}
	return buf
}

// DecodeKeyList is the inverse of EncodeKeyList.
func DecodeKeyList(blob []byte) ([][]byte, error) {
	var keys [][]byte
	for len(blob) > 0 {
		n, w := binary.Uvarint(blob)
		if w <= 0 {
			return nil, fmt.Errorf("key list: bad length prefix")
		}
		blob = blob[w:]
		if uint64(len(blob)) < n {
			return nil, fmt.Errorf("key list: truncated key (want %d bytes, have %d)", n, len(blob))
		}
		key := make([]byte, n)
		copy(key, blob[:n])
		keys = append(keys, key)
		blob = blob[n:]
	}
	return keys, nil
}
