package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrDecrypt wraps every failure mode of Decrypt.
	ErrDecrypt = errors.New("decrypt callback payload")
	// ErrInvalidPadding means the trailing pad-length byte fell outside [1,32].
	ErrInvalidPadding = errors.New("invalid padding length")
)

// Signature computes the callback signature: the SHA-1 hex digest of the
// lexicographically sorted concatenation of token, timestamp, nonce and, when
// present, the encrypted payload (echostr on GET, <Encrypt> body on POST).
func Signature(token, timestamp, nonce, echostr string) string {
	parts := []string{token, timestamp, nonce}
	if echostr != "" {
		parts = append(parts, echostr)
	}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks msgSignature against the computed signature in
// constant time.
func VerifySignature(token, timestamp, nonce, msgSignature, echostr string) bool {
	expected := Signature(token, timestamp, nonce, echostr)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(msgSignature)) == 1
}

// Decrypt recovers the inner XML body from a base64 AES-256-CBC envelope.
// The 43-character encodingKey plus "=" base64-decodes to the 32-byte AES key;
// the IV is its first 16 bytes. Padding is stripped manually: the last byte is
// the pad length and must be in [1,32]. The unpadded buffer is
// random(16B) | msgLen(4B big-endian) | xml(msgLen B) | receiver id; only the
// xml section is returned.
func Decrypt(ciphertext, encodingKey string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(encodingKey + "=")
	if err != nil {
		return "", fmt.Errorf("%w: decode key: %w", ErrDecrypt, err)
	}
	if len(key) != 32 {
		return "", fmt.Errorf("%w: key is %d bytes, want 32", ErrDecrypt, len(key))
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %w", ErrDecrypt, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d", ErrDecrypt, len(data), aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, key[:aes.BlockSize]).CryptBlocks(plain, data)

	body, err := stripEnvelope(plain)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return body, nil
}

func stripEnvelope(plain []byte) (string, error) {
	padLen := int(plain[len(plain)-1])
	if padLen < 1 || padLen > 32 {
		return "", fmt.Errorf("%w: %d", ErrInvalidPadding, padLen)
	}
	if padLen >= len(plain) {
		return "", fmt.Errorf("%w: pad %d consumes whole buffer", ErrInvalidPadding, padLen)
	}
	unpadded := plain[:len(plain)-padLen]
	if len(unpadded) < 20 {
		return "", fmt.Errorf("payload too short: %d bytes", len(unpadded))
	}
	msgLen := int(binary.BigEndian.Uint32(unpadded[16:20]))
	if msgLen < 0 || msgLen > len(unpadded)-20 {
		return "", fmt.Errorf("declared length %d exceeds payload %d", msgLen, len(unpadded)-20)
	}
	return string(unpadded[20 : 20+msgLen]), nil
}
