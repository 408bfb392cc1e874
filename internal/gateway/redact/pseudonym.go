package redact

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

var pseudonymSeed = randomSeed()

// Pseudonym maps s to a short digest that is stable for the life of the
// process. The seed is random per process, so digests cannot be matched
// against a precomputed table of inputs.
func Pseudonym(s string) string {
	d := xxhash.NewWithSeed(pseudonymSeed)
	d.WriteString(s)
	return strconv.FormatUint(d.Sum64(), 16)
}

func randomSeed() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
