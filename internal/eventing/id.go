package eventing

import (
	"crypto/rand"
	"encoding/hex"
)

// NewEventID generates a random UUIDv4-shaped identifier in hex form.
func NewEventID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	buf[6] = (buf[6] & 0x0f) | 0x40
	buf[8] = (buf[8] & 0x3f) | 0x80
	return hex.EncodeToString(buf[:])
}
