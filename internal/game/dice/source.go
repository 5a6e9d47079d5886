package dice

import (
	"crypto/rand"
	"math/big"
)

// Source yields uniformly distributed die faces.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Intn returns a value in [0, n). n is always > 0.
	Intn(n int) int
}

type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand.
func NewCryptoSource() Source { return cryptoSource{} }

// Intn panics if n <= 0 or the system randomness source fails.
func (cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("dice: Intn called with n <= 0")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("dice: crypto/rand failure: " + err.Error())
	}
	return int(v.Int64())
}
