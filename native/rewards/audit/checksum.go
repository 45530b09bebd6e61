package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"lukechampine.com/blake3"
)

// EntryChecksum derives a deterministic checksum for an audit entry based on
// epoch, pool, kind, account and amount to provide a stable idempotency key.
func EntryChecksum(epoch uint64, pool uint64, kind Kind, account [20]byte, amount *big.Int) string {
	if amount == nil {
		amount = big.NewInt(0)
	}
	buf := bytes.NewBuffer(nil)
	_ = binary.Write(buf, binary.BigEndian, epoch)
	_ = binary.Write(buf, binary.BigEndian, pool)
	writeDelimited(buf, []byte(string(kind)))
	buf.Write(account[:])
	writeDelimited(buf, []byte(amount.String()))
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	length := uint32(len(data))
	_ = binary.Write(buf, binary.BigEndian, length)
	if length > 0 {
		buf.Write(data)
	}
}

func bytesCompare(a, b []byte) int {
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	for i := 0; i < min; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
