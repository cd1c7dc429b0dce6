package policy

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// RandSource provides random numbers for the hidden tail of random-mode lots.
// Tests inject a deterministic source.
type RandSource interface {
	// Intn returns a random integer in [0, n). Panics if n <= 0.
	Intn(n int) int
}

type cryptoRandSource struct{}

func (cryptoRandSource) Intn(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("cryptoRandSource.Intn: n must be positive, got %d", n))
	}
	// rand.Int does not error when using rand.Reader
	nBig, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(nBig.Int64())
}

// DefaultRandSource is a cryptographically secure source. Suppliers must not
// be able to predict the close of a random-mode lot.
var DefaultRandSource RandSource = cryptoRandSource{}

// DrawTail draws a whole number of seconds in [0, max].
func DrawTail(r RandSource, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if r == nil {
		r = DefaultRandSource
	}
	return time.Duration(r.Intn(int(max/time.Second)+1)) * time.Second
}
