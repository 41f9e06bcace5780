package document

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// IDs are ULIDs: 48-bit millisecond timestamp followed by 80 bits that start
// with a per-millisecond sequence, Crockford base32 encoded to 26 chars.
// They sort by creation time.

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	idMu   sync.Mutex
	idLast uint64
	idSeq  uint16
)

// NewID returns a new unique document id.
func NewID() string {
	idMu.Lock()
	ts := uint64(time.Now().UnixMilli())
	if ts <= idLast {
		ts = idLast
		idSeq++
	} else {
		idLast = ts
		idSeq = 0
	}
	seq := idSeq
	idMu.Unlock()

	var b [16]byte
	for i := 0; i < 6; i++ {
		b[i] = byte(ts >> (40 - 8*i))
	}
	rand.Read(b[6:])
	binary.BigEndian.PutUint16(b[6:8], seq)
	return encodeBase32(b)
}

// encodeBase32 encodes 128 bits, most significant first, 5 bits per char.
// The first char only carries the top 3 bits.
func encodeBase32(b [16]byte) string {
	var out [26]byte
	hi := binary.BigEndian.Uint64(b[0:8])
	lo := binary.BigEndian.Uint64(b[8:16])
	for i := 25; i >= 0; i-- {
		out[i] = crockford[lo&31]
		lo = lo>>5 | hi<<59
		hi >>= 5
	}
	return string(out[:])
}
