package doubleratchet

import (
	"e2e_multidevice/internal/cryptographic/kdf"
)

var (
	rootInfo    = []byte("e2e_multidevice/ratchet/root")
	chainInfo   = []byte("e2e_multidevice/ratchet/chain")
	chainSecret = []byte{0x02}
)

// rootStep mixes a DH output into the root key and opens a new chain.
func rootStep(rootKey, dhOut []byte) (root, chain []byte, err error) {
	out := make([]byte, 64)
	if _, err := kdf.HKDF(dhOut, rootKey, rootInfo, out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// chainStep advances a chain by one message.
func chainStep(chainKey []byte) (next, messageKey []byte, err error) {
	out := make([]byte, 64)
	if _, err := kdf.HKDF(chainSecret, chainKey, chainInfo, out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}
