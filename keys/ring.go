// This package provides Ring, an in-memory Key/Identity collaborator. It keeps one shared secret per
// conversation, derives a content key per key epoch from it, holds the members' verification keys and signs
// on behalf of the local device.
package keys

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"fmt"
	"sync"

	"github.com/meow-io/go-meshsync/bencode"
	"github.com/meow-io/go-meshsync/crypto"
	"github.com/meow-io/go-meshsync/ids"
)

type Status int

const (
	NotFound Status = iota
	Found
	Invalid
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Invalid:
		return "invalid"
	default:
		return "not-found"
	}
}

type Key struct {
	ConversationID ids.ID
	Epoch          uint64
	Material       []byte
}

type Result struct {
	Status Status
	Key    Key
}

type conversationKeys struct {
	secret  []byte
	current uint64
	epochs  map[uint64][]byte
}

type sealedSecret struct {
	Epoch  uint64 `bencode:"e"`
	Secret []byte `bencode:"s"`
}

type Ring struct {
	lock          sync.RWMutex
	self          ids.ID
	signing       ed25519.PrivateKey
	boxPub        []byte
	boxPriv       []byte
	conversations map[ids.ID]*conversationKeys
	members       map[ids.ID]ed25519.PublicKey
}

func NewRing(self ids.ID, signing ed25519.PrivateKey) (*Ring, error) {
	if len(signing) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keys: expected signing key of length %d, got %d", ed25519.PrivateKeySize, len(signing))
	}
	boxPub, boxPriv, err := crypto.NewBoxKeypair()
	if err != nil {
		return nil, err
	}
	r := &Ring{
		self:          self,
		signing:       signing,
		boxPub:        boxPub,
		boxPriv:       boxPriv,
		conversations: make(map[ids.ID]*conversationKeys),
		members:       make(map[ids.ID]ed25519.PublicKey),
	}
	r.members[self] = signing.Public().(ed25519.PublicKey)
	return r, nil
}

// NewRandomRing makes a ring with a freshly generated signing key.
func NewRandomRing(self ids.ID) (*Ring, error) {
	_, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewRing(self, priv)
}

func (r *Ring) PublicKey() ed25519.PublicKey {
	return r.signing.Public().(ed25519.PublicKey)
}

func (r *Ring) BoxPublicKey() []byte {
	return r.boxPub
}

// SetSecret installs the shared secret of a conversation and makes epoch current.
func (r *Ring) SetSecret(conversationID ids.ID, secret []byte, epoch uint64) error {
	key, err := crypto.DeriveEpochKey(secret, conversationID[:], epoch)
	if err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	ck, ok := r.conversations[conversationID]
	if !ok {
		ck = &conversationKeys{epochs: make(map[uint64][]byte)}
		r.conversations[conversationID] = ck
	}
	ck.secret = append([]byte(nil), secret...)
	ck.epochs[epoch] = key
	if epoch > ck.current || len(ck.epochs) == 1 {
		ck.current = epoch
	}
	return nil
}

// Rotate moves the conversation to the next key epoch.
func (r *Ring) Rotate(conversationID ids.ID) (Key, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	ck, ok := r.conversations[conversationID]
	if !ok || ck.secret == nil {
		return Key{}, fmt.Errorf("keys: no secret for %s", conversationID)
	}
	next := ck.current + 1
	key, err := crypto.DeriveEpochKey(ck.secret, conversationID[:], next)
	if err != nil {
		return Key{}, err
	}
	ck.epochs[next] = key
	ck.current = next
	return Key{conversationID, next, key}, nil
}

func (r *Ring) CurrentKey(conversationID ids.ID) Result {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ck, ok := r.conversations[conversationID]
	if !ok {
		return Result{Status: NotFound}
	}
	return r.result(conversationID, ck.current, ck.epochs[ck.current])
}

func (r *Ring) Key(conversationID ids.ID, epoch uint64) Result {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ck, ok := r.conversations[conversationID]
	if !ok {
		return Result{Status: NotFound}
	}
	material, ok := ck.epochs[epoch]
	if !ok {
		return Result{Status: NotFound}
	}
	return r.result(conversationID, epoch, material)
}

func (r *Ring) result(conversationID ids.ID, epoch uint64, material []byte) Result {
	k := Key{conversationID, epoch, material}
	if len(material) != crypto.KeySize {
		return Result{Status: Invalid, Key: k}
	}
	return Result{Status: Found, Key: k}
}

func (r *Ring) Forget(conversationID ids.ID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.conversations, conversationID)
}

func (r *Ring) AddMember(memberID ids.ID, pub ed25519.PublicKey) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.members[memberID] = pub
}

func (r *Ring) RemoveMember(memberID ids.ID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.members, memberID)
}

func (r *Ring) Sign(data []byte) []byte {
	return crypto.Sign(r.signing, data)
}

func (r *Ring) Verify(memberID ids.ID, signature, data []byte) bool {
	r.lock.RLock()
	pub, ok := r.members[memberID]
	r.lock.RUnlock()
	if !ok {
		return false
	}
	return crypto.Verify(pub, signature, data)
}

// ExportFor seals the conversation secret and current epoch for a member holding recipientBoxPub.
func (r *Ring) ExportFor(conversationID ids.ID, recipientBoxPub []byte) ([]byte, error) {
	r.lock.RLock()
	ck, ok := r.conversations[conversationID]
	if !ok || ck.secret == nil {
		r.lock.RUnlock()
		return nil, fmt.Errorf("keys: no secret for %s", conversationID)
	}
	s := &sealedSecret{Epoch: ck.current, Secret: ck.secret}
	r.lock.RUnlock()

	b, err := bencode.Serialize(s)
	if err != nil {
		return nil, err
	}
	return crypto.EncryptWithDH(recipientBoxPub, r.boxPriv, b, conversationID[:])
}

func (r *Ring) ImportSealed(conversationID ids.ID, senderBoxPub, sealed []byte) error {
	b, err := crypto.DecryptWithDH(senderBoxPub, r.boxPriv, sealed, conversationID[:])
	if err != nil {
		return fmt.Errorf("keys: error opening sealed secret: %w", err)
	}
	var s sealedSecret
	if err := bencode.Deserialize(b, &s); err != nil {
		return fmt.Errorf("keys: error decoding sealed secret: %w", err)
	}
	return r.SetSecret(conversationID, s.Secret, s.Epoch)
}
