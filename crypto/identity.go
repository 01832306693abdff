package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// Key layout constants. A public key bundle is the Ed25519 verification
// key followed by the X25519 box key.
const (
	SigningKeySize = ed25519.PublicKeySize
	BoxKeySize     = 32
	PublicKeySize  = SigningKeySize + BoxKeySize
	SeedSize       = ed25519.SeedSize

	nonceSize = 24
)

// ErrMissingIdentityKey is returned when an operation requires a local
// identity that was never provisioned. It is fatal to the caller and is
// never retried.
var ErrMissingIdentityKey = errors.New("crypto: missing local identity key")

// ErrDecryptFailed is returned when a sealed payload cannot be opened
// with the local box key.
var ErrDecryptFailed = errors.New("crypto: decryption failed")

// Identity is the default Crypto implementation. It holds an Ed25519
// signing keypair and an X25519 box keypair.
type Identity struct {
	signPriv ed25519.PrivateKey
	signPub  ed25519.PublicKey
	boxPriv  [BoxKeySize]byte
	boxPub   [BoxKeySize]byte
}

// GenerateIdentity creates a new random identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate box key: %w", err)
	}

	return &Identity{
		signPriv: priv,
		signPub:  pub,
		boxPriv:  *boxPriv,
		boxPub:   *boxPub,
	}, nil
}

// IdentityFromSeed deterministically derives an identity from a 32-byte
// seed. The box keypair is derived from a domain-separated hash of the
// seed so the two keypairs never share raw material.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	if isZeroSeed(seed) {
		return nil, errors.New("crypto: seed is all zeros")
	}

	signPriv := ed25519.NewKeyFromSeed(seed)

	boxSeed := sha256.Sum256(append([]byte("survivalcomm-box-v1:"), seed...))
	var boxPriv [BoxKeySize]byte
	copy(boxPriv[:], boxSeed[:])

	// Clamp per X25519 convention before deriving the public half.
	boxPriv[0] &= 248
	boxPriv[31] &= 127
	boxPriv[31] |= 64

	pubSeedReader := deterministicKeyReader{key: boxPriv}
	boxPub, boxPrivFull, err := box.GenerateKey(pubSeedReader)
	if err != nil {
		return nil, fmt.Errorf("derive box key: %w", err)
	}

	return &Identity{
		signPriv: signPriv,
		signPub:  signPriv.Public().(ed25519.PublicKey),
		boxPriv:  *boxPrivFull,
		boxPub:   *boxPub,
	}, nil
}

// deterministicKeyReader feeds a fixed private key into box.GenerateKey
// so the derived public key matches the provided private key.
type deterministicKeyReader struct {
	key [BoxKeySize]byte
}

func (r deterministicKeyReader) Read(p []byte) (int, error) {
	if len(p) < BoxKeySize {
		return 0, errors.New("crypto: short read for key derivation")
	}
	copy(p, r.key[:])
	return BoxKeySize, nil
}

func isZeroSeed(seed []byte) bool {
	for _, b := range seed {
		if b != 0 {
			return false
		}
	}
	return true
}

// PublicKey returns the identity's public key bundle: Ed25519 key
// followed by X25519 box key.
func (id *Identity) PublicKey() []byte {
	out := make([]byte, 0, PublicKeySize)
	out = append(out, id.signPub...)
	out = append(out, id.boxPub[:]...)
	return out
}

// Sign produces a detached Ed25519 signature over data.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if id == nil || len(id.signPriv) == 0 {
		return nil, ErrMissingIdentityKey
	}
	if len(data) == 0 {
		return nil, errors.New("crypto: empty message")
	}
	return ed25519.Sign(id.signPriv, data), nil
}

// Verify reports whether sig is a valid signature over data by the
// holder of publicKey. publicKey may be a full bundle or a bare
// Ed25519 key; malformed keys simply fail verification.
func (id *Identity) Verify(data, sig, publicKey []byte) bool {
	signKey := SigningKey(publicKey)
	if signKey == nil || len(sig) != ed25519.SignatureSize || len(data) == 0 {
		return false
	}
	return ed25519.Verify(signKey, data, sig)
}

// Encrypt seals plaintext to the recipient's box key using an ephemeral
// sender keypair. Output layout: ephemeral public key (32) || nonce (24)
// || box ciphertext.
func (id *Identity) Encrypt(plaintext, recipientPublicKey []byte) ([]byte, error) {
	boxKey := BoxKey(recipientPublicKey)
	if boxKey == nil {
		return nil, errors.New("crypto: invalid recipient public key")
	}
	if len(plaintext) == 0 {
		return nil, errors.New("crypto: empty plaintext")
	}

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	var recipient [BoxKeySize]byte
	copy(recipient[:], boxKey)

	out := make([]byte, 0, BoxKeySize+nonceSize+len(plaintext)+box.Overhead)
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	return box.Seal(out, plaintext, &nonce, &recipient, ephPriv), nil
}

// Decrypt opens a payload produced by Encrypt for this identity.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
	if id == nil {
		return nil, ErrMissingIdentityKey
	}
	if len(ciphertext) < BoxKeySize+nonceSize+box.Overhead {
		return nil, ErrDecryptFailed
	}

	var ephPub [BoxKeySize]byte
	copy(ephPub[:], ciphertext[:BoxKeySize])

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[BoxKeySize:BoxKeySize+nonceSize])

	plain, ok := box.Open(nil, ciphertext[BoxKeySize+nonceSize:], &nonce, &ephPub, &id.boxPriv)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// Hash returns the SHA-256 digest of data.
func (id *Identity) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// SigningKey extracts the Ed25519 half of a public key bundle. It
// accepts either a full bundle or a bare signing key and returns nil
// for anything else.
func SigningKey(publicKey []byte) ed25519.PublicKey {
	switch len(publicKey) {
	case PublicKeySize:
		return ed25519.PublicKey(publicKey[:SigningKeySize])
	case SigningKeySize:
		return ed25519.PublicKey(publicKey)
	default:
		return nil
	}
}

// BoxKey extracts the X25519 half of a public key bundle, or nil if the
// bundle is malformed.
func BoxKey(publicKey []byte) []byte {
	if len(publicKey) != PublicKeySize {
		return nil
	}
	return publicKey[SigningKeySize:]
}
