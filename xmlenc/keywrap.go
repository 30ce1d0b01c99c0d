package xmlenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKeySize is returned when the key size is not valid for AES
	ErrInvalidKeySize = errors.New("invalid key size: must be 16, 24, or 32 bytes")
	// ErrInvalidPlaintextSize is returned when plaintext is too small or not aligned
	ErrInvalidPlaintextSize = errors.New("invalid plaintext size: must be >= 16 bytes and multiple of 8")
	// ErrInvalidCiphertextSize is returned when ciphertext is too small or not aligned
	ErrInvalidCiphertextSize = errors.New("invalid ciphertext size: must be >= 24 bytes and multiple of 8")
	// ErrIntegrityCheckFailed is returned when the integrity check fails during unwrap
	ErrIntegrityCheckFailed = errors.New("integrity check failed: invalid wrapped key")
	// ErrUnsupportedAlgorithm is returned for algorithm URIs without an implementation.
	ErrUnsupportedAlgorithm = errors.New("xmlenc: unsupported algorithm")
)

// kwIV is the RFC 3394 default initial value.
var kwIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

func kwCipher(kek []byte) (cipher.Block, error) {
	switch len(kek) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKeySize
	}
	return aes.NewCipher(kek)
}

// AESKeyWrap wraps a key with a key encryption key per RFC 3394 section 2.2.1.
// The key must be at least 16 bytes and a multiple of 8; the result is 8
// bytes longer.
func AESKeyWrap(kek, key []byte) ([]byte, error) {
	block, err := kwCipher(kek)
	if err != nil {
		return nil, err
	}
	if len(key) < 16 || len(key)%8 != 0 {
		return nil, ErrInvalidPlaintextSize
	}

	n := len(key) / 8
	out := make([]byte, 8+len(key))
	copy(out, kwIV[:])
	copy(out[8:], key)

	var b [16]byte
	for j := 0; j < 6; j++ {
		for i := 1; i <= n; i++ {
			copy(b[:8], out[:8])
			copy(b[8:], out[i*8:i*8+8])
			block.Encrypt(b[:], b[:])
			t := binary.BigEndian.Uint64(b[:8]) ^ uint64(n*j+i)
			binary.BigEndian.PutUint64(out[:8], t)
			copy(out[i*8:], b[8:])
		}
	}
	return out, nil
}

// AESKeyUnwrap reverses AESKeyWrap per RFC 3394 section 2.2.2 and checks the
// integrity value.
func AESKeyUnwrap(kek, wrapped []byte) ([]byte, error) {
	block, err := kwCipher(kek)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, ErrInvalidCiphertextSize
	}

	n := len(wrapped)/8 - 1
	buf := make([]byte, len(wrapped))
	copy(buf, wrapped)

	var b [16]byte
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := binary.BigEndian.Uint64(buf[:8]) ^ uint64(n*j+i)
			binary.BigEndian.PutUint64(b[:8], t)
			copy(b[8:], buf[i*8:i*8+8])
			block.Decrypt(b[:], b[:])
			copy(buf[:8], b[:8])
			copy(buf[i*8:], b[8:])
		}
	}
	if subtle.ConstantTimeCompare(buf[:8], kwIV[:]) != 1 {
		return nil, ErrIntegrityCheckFailed
	}
	return buf[8:], nil
}

// GenerateKey returns a random key of the length required by a block
// encryption or key wrap algorithm.
func GenerateKey(algorithm string) ([]byte, error) {
	n := KeySize(algorithm)
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncryptData encrypts plaintext with an AES block encryption algorithm and
// returns the CipherValue octets: IV || ciphertext (|| tag for GCM).
func EncryptData(algorithm string, key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize(algorithm) {
		return nil, ErrInvalidKeySize
	}
	switch {
	case IsGCM(algorithm):
		return AESGCMEncrypt(key, plaintext, nil)
	case algorithm == AlgorithmAES128CBC || algorithm == AlgorithmAES192CBC || algorithm == AlgorithmAES256CBC:
		return AESCBCEncrypt(key, plaintext)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// DecryptData reverses EncryptData.
func DecryptData(algorithm string, key, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize(algorithm) {
		return nil, ErrInvalidKeySize
	}
	switch {
	case IsGCM(algorithm):
		return AESGCMDecrypt(key, ciphertext, nil)
	case algorithm == AlgorithmAES128CBC || algorithm == AlgorithmAES192CBC || algorithm == AlgorithmAES256CBC:
		return AESCBCDecrypt(key, ciphertext)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// AESGCMEncrypt encrypts plaintext using AES-GCM.
// The returned data format is: IV (12 bytes) || ciphertext || tag (16 bytes)
func AESGCMEncrypt(key, plaintext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	return gcm.Seal(iv, iv, plaintext, additionalData), nil
}

// AESGCMDecrypt decrypts ciphertext encrypted with AESGCMEncrypt.
func AESGCMDecrypt(key, ciphertext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(ciphertext) < ns+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, ciphertext[:ns], ciphertext[ns:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("GCM authentication failed: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// AESCBCEncrypt encrypts plaintext using AES-CBC. The padding bytes all hold
// the pad length, which satisfies the XML Encryption padding rule.
// The random IV is prepended to the ciphertext.
func AESCBCEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	bs := block.BlockSize()
	pad := bs - len(plaintext)%bs

	out := make([]byte, bs+len(plaintext)+pad)
	if _, err := io.ReadFull(rand.Reader, out[:bs]); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	copy(out[bs:], plaintext)
	for i := bs + len(plaintext); i < len(out); i++ {
		out[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(block, out[:bs]).CryptBlocks(out[bs:], out[bs:])
	return out, nil
}

// AESCBCDecrypt decrypts ciphertext encrypted with AES-CBC (IV || ciphertext).
// Only the final pad-length octet is checked; XML Encryption leaves the
// other padding octets arbitrary.
func AESCBCDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	bs := block.BlockSize()
	if len(ciphertext) < bs*2 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	if len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("ciphertext not aligned to block size")
	}

	plaintext := make([]byte, len(ciphertext)-bs)
	cipher.NewCBCDecrypter(block, ciphertext[:bs]).CryptBlocks(plaintext, ciphertext[bs:])

	pad := int(plaintext[len(plaintext)-1])
	if pad == 0 || pad > bs {
		return nil, fmt.Errorf("invalid padding")
	}
	return plaintext[:len(plaintext)-pad], nil
}
