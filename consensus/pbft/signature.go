package pbft

import (
	"encoding/hex"

	"github.com/cometbft/cometbft/crypto/tmhash"
	lru "github.com/hashicorp/golang-lru/v2"
)

// KeySource checks a signature against a replica's registered key.
type KeySource interface {
	VerifySignature(nodeID string, data, sig []byte) bool
}

type signatureVerifier struct {
	keys  KeySource
	cache *lru.Cache[string, struct{}]
}

// SignatureVerifier returns a Verifier backed by keys. Successful checks are
// cached, so redelivered and certificate-embedded messages verify once.
func SignatureVerifier(keys KeySource) Verifier {
	cache, _ := lru.New[string, struct{}](8192)
	return &signatureVerifier{keys: keys, cache: cache}
}

func (v *signatureVerifier) Verify(msg *Message) bool {
	if msg == nil || len(msg.Signature) == 0 {
		return false
	}
	data := msg.SignBytes()
	key := msg.SenderID + "/" + hex.EncodeToString(tmhash.Sum(append(data, msg.Signature...)))
	if v.cache.Contains(key) {
		return true
	}
	if !v.keys.VerifySignature(msg.SenderID, data, msg.Signature) {
		return false
	}
	v.cache.Add(key, struct{}{})
	return true
}
