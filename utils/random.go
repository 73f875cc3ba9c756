package utils

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"time"
)

// NewSeed returns seed unchanged when it is non-zero, otherwise a seed read
// from crypto/rand. A fixed seed makes weighted selection reproducible.
func NewSeed(seed int64) int64 {
	if seed != 0 {
		return seed
	}

	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]) &^ (1 << 63))
}

func NewRand(seed int64) *mrand.Rand {
	return mrand.New(mrand.NewSource(NewSeed(seed)))
}
