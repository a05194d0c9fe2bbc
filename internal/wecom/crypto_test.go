package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEncodingKey is 43 chars; with "=" appended it decodes to 32 bytes.
var testEncodingKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))[:43]

// encryptEnvelope builds a platform-style ciphertext around xmlBody with the
// given pad length written into the trailing byte.
func encryptEnvelope(t *testing.T, xmlBody, receiverID string, padLen int) string {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(testEncodingKey + "=")
	require.NoError(t, err)

	plain := make([]byte, 0, 64)
	plain = append(plain, bytes.Repeat([]byte{0x01}, 16)...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(xmlBody)))
	plain = append(plain, lenBuf[:]...)
	plain = append(plain, xmlBody...)
	plain = append(plain, receiverID...)

	// Pad to a block multiple, then force the declared pad length.
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	if pad == 0 {
		pad = aes.BlockSize
	}
	plain = append(plain, bytes.Repeat([]byte{byte(pad)}, pad)...)
	plain[len(plain)-1] = byte(padLen)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(out, plain)
	return base64.StdEncoding.EncodeToString(out)
}

func TestSignatureDeterminism(t *testing.T) {
	sig := Signature("t1", "100", "n1", "payload")
	assert.Equal(t, sig, Signature("t1", "100", "n1", "payload"))
	assert.True(t, VerifySignature("t1", "100", "n1", sig, "payload"))

	// Any single-field change flips the result.
	assert.False(t, VerifySignature("t2", "100", "n1", sig, "payload"))
	assert.False(t, VerifySignature("t1", "101", "n1", sig, "payload"))
	assert.False(t, VerifySignature("t1", "100", "n2", sig, "payload"))
	assert.False(t, VerifySignature("t1", "100", "n1", sig, "payloaX"))
}

func TestSignatureWithoutEchostr(t *testing.T) {
	sig := Signature("tok", "1700000000", "nonce", "")
	assert.True(t, VerifySignature("tok", "1700000000", "nonce", sig, ""))
	assert.NotEqual(t, sig, Signature("tok", "1700000000", "nonce", "x"))
}

func TestDecryptRoundTrip(t *testing.T) {
	xmlBody := `<xml><ToUserName><![CDATA[corp]]></ToUserName><MsgType><![CDATA[text]]></MsgType></xml>`
	ciphertext := encryptValidEnvelope(t, xmlBody, "wx_corp_id")

	got, err := Decrypt(ciphertext, testEncodingKey)
	require.NoError(t, err)
	assert.Equal(t, xmlBody, got)
}

// encryptValidEnvelope keeps the natural PKCS#7-style padding intact.
func encryptValidEnvelope(t *testing.T, xmlBody, receiverID string) string {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(testEncodingKey + "=")
	require.NoError(t, err)

	plain := make([]byte, 0, 64)
	plain = append(plain, bytes.Repeat([]byte{0x01}, 16)...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(xmlBody)))
	plain = append(plain, lenBuf[:]...)
	plain = append(plain, xmlBody...)
	plain = append(plain, receiverID...)
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	if pad == 0 {
		pad = aes.BlockSize
	}
	plain = append(plain, bytes.Repeat([]byte{byte(pad)}, pad)...)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(out, plain)
	return base64.StdEncoding.EncodeToString(out)
}

func TestDecryptCorruptedCiphertext(t *testing.T) {
	ciphertext := encryptValidEnvelope(t, "<xml></xml>", "corp")
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	_, err = Decrypt(base64.StdEncoding.EncodeToString(raw), testEncodingKey)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptPaddingBoundary(t *testing.T) {
	xmlBody := "<xml><MsgType>text</MsgType></xml>"

	for _, padLen := range []int{0, 33} {
		ciphertext := encryptEnvelope(t, xmlBody, "corp", padLen)
		_, err := Decrypt(ciphertext, testEncodingKey)
		assert.ErrorIs(t, err, ErrInvalidPadding, "pad length %d", padLen)
	}

	// 1 and 32 are the valid extremes. The declared length must still leave
	// the 20-byte header plus body intact, so the assertion is only that the
	// padding itself is accepted.
	for _, padLen := range []int{1, 16, 32} {
		ciphertext := encryptEnvelope(t, xmlBody, "corp-receiver-padding-headroom", padLen)
		_, err := Decrypt(ciphertext, testEncodingKey)
		assert.NotErrorIs(t, err, ErrInvalidPadding, "pad length %d", padLen)
	}
}

func TestDecryptBadBase64(t *testing.T) {
	_, err := Decrypt("not-base64!!!", testEncodingKey)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = Decrypt(encryptValidEnvelope(t, "<xml></xml>", "corp"), "short-key")
	assert.ErrorIs(t, err, ErrDecrypt)
}
