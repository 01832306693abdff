// Package verify implements peer identity verification: fingerprints,
// safety numbers, verification words, QR payloads, and the
// challenge-response protocol used to confirm a contact's key in person
// or over a second channel.
package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// safetyNumberDigits is the number of decimal digits in a safety number.
const safetyNumberDigits = 25

// wordCount is the number of words in a verification phrase.
const wordCount = 6

// Fingerprint returns the human-comparable fingerprint of a public key:
// the hex SHA-256 digest grouped every two digits.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	full := hex.EncodeToString(sum[:])

	var b strings.Builder
	for i := 0; i < len(full); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(full[i : i+2])
	}
	return b.String()
}

// canonicalConcat joins two public keys in a deterministic order so both
// peers derive identical values regardless of who initiates.
func canonicalConcat(keyA, keyB []byte) []byte {
	first, second := keyA, keyB
	if bytes.Compare(keyA, keyB) > 0 {
		first, second = keyB, keyA
	}
	out := make([]byte, 0, len(first)+len(second))
	out = append(out, first...)
	return append(out, second...)
}

// SafetyNumber derives a 25-digit decimal safety number from two public
// keys, grouped in blocks of five. SafetyNumber(a, b) == SafetyNumber(b, a).
func SafetyNumber(keyA, keyB []byte) string {
	sum := sha256.Sum256(canonicalConcat(keyA, keyB))

	var b strings.Builder
	for i := 0; i < safetyNumberDigits; i++ {
		if i > 0 && i%5 == 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('0' + sum[i%len(sum)]%10)
	}
	return b.String()
}

// VerificationWords derives a six-word phrase from two public keys using
// the same canonical ordering as SafetyNumber. Each word index consumes
// four hash bytes interpreted as a big-endian 32-bit value.
func VerificationWords(keyA, keyB []byte) string {
	sum := sha256.Sum256(canonicalConcat(keyA, keyB))

	words := make([]string, wordCount)
	for i := 0; i < wordCount; i++ {
		v := binary.BigEndian.Uint32(sum[i*4 : i*4+4])
		words[i] = wordList[v%uint32(len(wordList))]
	}
	return strings.Join(words, " ")
}
