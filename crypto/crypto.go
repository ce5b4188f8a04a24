// Package crypto provides replica keys and message signatures for the PBFT
// consensus engine.
package crypto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/cometbft/cometbft/crypto/tmhash"

	"github.com/ahwlsqja/pbft-remediation/types"
)

// KeyPair is an ed25519 replica key.
type KeyPair struct {
	PrivateKey ed25519.PrivKey
	PublicKey  ed25519.PubKey
}

// GenerateKeyPair generates a new random key pair.
func GenerateKeyPair() *KeyPair {
	return newKeyPair(ed25519.GenPrivKey())
}

// KeyPairFromSecret derives a key pair deterministically. Only use it for
// local clusters and simulations.
func KeyPairFromSecret(secret []byte) *KeyPair {
	return newKeyPair(ed25519.GenPrivKeyFromSecret(secret))
}

// KeyPairFromBytes restores a key pair from its private key bytes.
func KeyPairFromBytes(priv []byte) (*KeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: expected %d, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return newKeyPair(ed25519.PrivKey(append([]byte(nil), priv...))), nil
}

func newKeyPair(priv ed25519.PrivKey) *KeyPair {
	return &KeyPair{
		PrivateKey: priv,
		PublicKey:  priv.PubKey().(ed25519.PubKey),
	}
}

// Sign signs a message using the private key.
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	sig, err := kp.PrivateKey.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

// PublicKeyBytes returns the public key as bytes.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return append([]byte(nil), kp.PublicKey...)
}

// Address returns the hex address derived from the public key.
func (kp *KeyPair) Address() string {
	return kp.PublicKey.Address().String()
}

// Verify verifies a signature against a message and public key bytes.
func Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PubKeySize {
		return false
	}
	return ed25519.PubKey(publicKey).VerifySignature(message, sig)
}

// Hash computes the SHA-256 hash of data.
func Hash(data []byte) []byte {
	return tmhash.Sum(data)
}

// HashHex computes the SHA-256 hash and returns it as a hex string.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// ================================================================================
//                          Keyring
// ================================================================================

// Keyring signs with the local key and verifies peers by node id.
type Keyring struct {
	mu     sync.RWMutex
	nodeID string
	key    *KeyPair
	peers  map[string]ed25519.PubKey
}

// NewKeyring creates a keyring for nodeID. The local public key is
// registered as a peer so that certificates carrying our own votes verify.
func NewKeyring(nodeID string, key *KeyPair) *Keyring {
	return &Keyring{
		nodeID: nodeID,
		key:    key,
		peers:  map[string]ed25519.PubKey{nodeID: key.PublicKey},
	}
}

// NodeID returns the local node id.
func (k *Keyring) NodeID() string {
	return k.nodeID
}

// PublicKey returns the local public key bytes.
func (k *Keyring) PublicKey() []byte {
	return k.key.PublicKeyBytes()
}

// AddPeer registers the public key of a replica.
func (k *Keyring) AddPeer(nodeID string, publicKey []byte) error {
	if len(publicKey) != ed25519.PubKeySize {
		return fmt.Errorf("invalid public key for %s: expected %d bytes, got %d", nodeID, ed25519.PubKeySize, len(publicKey))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.peers[nodeID] = ed25519.PubKey(append([]byte(nil), publicKey...))
	return nil
}

// AddRoster registers every node of the roster that carries a public key.
func (k *Keyring) AddRoster(nodes []types.Node) error {
	for _, n := range nodes {
		if len(n.PublicKey) == 0 {
			continue
		}
		if err := k.AddPeer(n.ID, n.PublicKey); err != nil {
			return err
		}
	}
	return nil
}

// HasPeer reports whether a key is registered for nodeID.
func (k *Keyring) HasPeer(nodeID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.peers[nodeID]
	return ok
}

// Sign signs data with the local key.
func (k *Keyring) Sign(data []byte) ([]byte, error) {
	return k.key.Sign(data)
}

// VerifySignature checks sig over data against the key registered for nodeID.
func (k *Keyring) VerifySignature(nodeID string, data, sig []byte) bool {
	k.mu.RLock()
	pub, ok := k.peers[nodeID]
	k.mu.RUnlock()
	if !ok {
		return false
	}
	return pub.VerifySignature(data, sig)
}

// ================================================================================
//                          Key files
// ================================================================================

// KeyFile is the on-disk form of a replica key.
type KeyFile struct {
	NodeID     string `json:"node_id"`
	Address    string `json:"address"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// SaveKeyFile writes key to path with owner-only permissions.
func SaveKeyFile(path, nodeID string, key *KeyPair) error {
	data, err := json.MarshalIndent(KeyFile{
		NodeID:     nodeID,
		Address:    key.Address(),
		PublicKey:  hex.EncodeToString(key.PublicKey),
		PrivateKey: hex.EncodeToString(key.PrivateKey),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads a key written by SaveKeyFile.
func LoadKeyFile(path string) (string, *KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	priv, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return "", nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	key, err := KeyPairFromBytes(priv)
	if err != nil {
		return "", nil, err
	}
	return kf.NodeID, key, nil
}
