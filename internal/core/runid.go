package core

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// NewID returns a 128-bit run identifier encoded as lowercase hex. The first
// six bytes carry the unix millisecond timestamp so ids sort by creation time.
func NewID() string {
	buf := make([]byte, 16)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixMilli()))
	copy(buf[:6], ts[2:])
	if _, err := rand.Read(buf[6:]); err != nil {
		return fmt.Sprintf("%012x%020d", time.Now().UnixMilli(), time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
