package crypto

import (
	"crypto/ed25519"
	"encoding/binary"
)

func Sign(priv ed25519.PrivateKey, parts ...[]byte) []byte {
	return ed25519.Sign(priv, Concat(parts...))
}

func Verify(pub ed25519.PublicKey, sig []byte, parts ...[]byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, Concat(parts...), sig)
}

// Concat joins parts with a big-endian length prefix on each so that boundaries cannot be shifted.
func Concat(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += 8 + len(p)
	}
	msg := make([]byte, 0, size)
	for _, m := range parts {
		msg = binary.BigEndian.AppendUint64(msg, uint64(len(m)))
		msg = append(msg, m...)
	}
	return msg
}
