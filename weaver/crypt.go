package weaver

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize         = 16
	pbkdf2Iteration = 1000
)

// deriveKey derives a fresh AES-128 key from a random password and salt.
// Nothing about the key depends on the module, so every weave differs.
func deriveKey() ([]byte, error) {
	password, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating password: %w", err)
	}
	salt, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return pbkdf2.Key([]byte(password.String()), salt[:], pbkdf2Iteration, keySize, sha1.New), nil
}

// padLen returns n rounded up to a whole number of AES blocks.
func padLen(n int) int {
	return (n + aes.BlockSize - 1) / aes.BlockSize * aes.BlockSize
}

// encrypt zero-pads plain to the block size and encrypts it with
// AES-CBC, using key as the IV too. The caller keeps len(plain) to drop
// the padding again.
func encrypt(plain, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, padLen(len(plain)))
	copy(out, plain)
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(out, out)
	return out, nil
}

// decrypt reverses encrypt and returns the first n plaintext bytes.
func decrypt(ciphertext, key []byte, n int) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of %d", len(ciphertext), aes.BlockSize)
	}
	if n > len(ciphertext) {
		return nil, fmt.Errorf("want %d plaintext bytes from %d bytes of ciphertext", n, len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, key[:aes.BlockSize]).CryptBlocks(out, ciphertext)
	return out[:n], nil
}

// payload is the resource contents of one weave and what the decoder needs
// to read it back.
type payload struct {
	data      []byte // resource bytes
	key       []byte // nil when unencrypted
	byteCount int    // unpadded buffer length
	embedKey  bool   // data starts with the key
}

// protect builds the resource for buf.
func protect(buf []byte, encrypted, embedKey bool) (*payload, error) {
	if !encrypted {
		return &payload{data: append([]byte(nil), buf...), byteCount: len(buf)}, nil
	}
	key, err := deriveKey()
	if err != nil {
		return nil, err
	}
	ct, err := encrypt(buf, key)
	if err != nil {
		return nil, err
	}
	p := &payload{key: key, byteCount: len(buf), embedKey: embedKey}
	if embedKey {
		p.data = append(append(make([]byte, 0, keySize+len(ct)), key...), ct...)
	} else {
		p.data = ct
	}
	return p, nil
}
