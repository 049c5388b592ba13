package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveEpochKey derives the content key for one key epoch of a conversation from its shared secret.
func DeriveEpochKey(secret, conversationID []byte, epoch uint64) ([]byte, error) {
	if len(secret) < KeySize {
		return nil, fmt.Errorf("crypto: expected secret of at least %d bytes, got %d", KeySize, len(secret))
	}
	info := []byte(fmt.Sprintf("meshsync_conversation_content_epoch_%d", epoch))
	r := hkdf.New(sha256.New, secret, conversationID, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: error deriving epoch key: %w", err)
	}
	return key, nil
}
