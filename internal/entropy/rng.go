package entropy

import (
	cryptorand "crypto/rand"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/store"
)

// RandomMasterSecret draws 32 bytes from the OS CSPRNG and derives a
// MasterSecret from it via the same mnemonic path as dice entropy.
func RandomMasterSecret(network store.Network, name string) (store.MasterSecret, error) {
	entropy := make([]byte, 32)
	if _, err := cryptorand.Read(entropy); err != nil {
		return store.MasterSecret{}, airsigerr.Wrap(airsigerr.KindGeneric, "reading system randomness", err)
	}
	return masterSecretFromEntropy(network, entropy, name)
}
