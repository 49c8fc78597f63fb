package shortid

import (
	"crypto/rand"
	"math/big"
)

// charset is lowercase alphanumeric only (base36), matching the
// character set the provider accepts in sandbox name components.
const charset = "0123456789abcdefghijklmnopqrstuvwxyz"

// Generate returns a cryptographically random 16-character base36
// string, used to suffix generated sandbox names.
func Generate() string {
	b := make([]byte, 16)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("shortid: crypto/rand failed: " + err.Error())
		}
		b[i] = charset[n.Int64()]
	}
	return string(b)
}
