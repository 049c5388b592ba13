// This package holds the primitives used to protect message payloads: chacha20poly1305 sealing with a random
// nonce prefix, per-epoch key derivation, nacl box key agreement for handing keys to members, and ed25519
// signatures over length-prefixed parts.
package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = chacha20poly1305.KeySize

var ErrShortCiphertext = errors.New("crypto: ciphertext too short")

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// EncryptWithKey seals msg and returns nonce||ciphertext||tag.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", KeySize, len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, cipher.NonceSize(), cipher.NonceSize()+len(msg)+cipher.Overhead())
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: error reading nonce: %w", err)
	}
	return cipher.Seal(nonce, nonce, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", KeySize, len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(enc) < cipher.NonceSize()+cipher.Overhead() {
		return nil, ErrShortCiphertext
	}
	return cipher.Open(nil, enc[:cipher.NonceSize()], enc[cipher.NonceSize():], ad)
}

// EncryptWithDH seals msg under the shared key of the nacl box keypair (pub, priv).
func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

// NewBoxKeypair returns a nacl box keypair used for key agreement.
func NewBoxKeypair() (pub, priv []byte, err error) {
	p, s, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return p[:], s[:], nil
}
