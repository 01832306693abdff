// Package crypto implements the cryptographic identity used by the
// survivalcomm engine.
//
// The rest of the engine consumes the narrow Crypto interface; the
// default implementation combines Ed25519 signatures with NaCl box
// encryption through Go's x/crypto packages.
//
// Example:
//
//	id, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(id.PublicKey()))
package crypto

// Crypto is the set of primitives the engine depends on. Implementations
// must be safe for concurrent use.
type Crypto interface {
	// Sign produces a detached signature over data with the local
	// signing key.
	Sign(data []byte) ([]byte, error)

	// Verify reports whether sig is a valid signature over data by the
	// holder of publicKey.
	Verify(data, sig, publicKey []byte) bool

	// Encrypt seals plaintext so that only the holder of the private
	// half of recipientPublicKey can open it.
	Encrypt(plaintext, recipientPublicKey []byte) ([]byte, error)

	// Decrypt opens ciphertext sealed to the local identity.
	Decrypt(ciphertext []byte) ([]byte, error)

	// Hash returns the SHA-256 digest of data.
	Hash(data []byte) []byte

	// PublicKey returns the local identity's public key bundle.
	PublicKey() []byte
}
