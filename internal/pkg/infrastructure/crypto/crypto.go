package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// SessionCipher is the AES-128-CBC cipher spoken on a hub connection.
// The IV advances with every block processed, so both peers must
// encrypt and decrypt records in wire order. A cipher instance must
// never be shared between sessions.
type SessionCipher struct {
	enc cipher.BlockMode
	dec cipher.BlockMode
}

func NewSessionCipher(key, iv []byte) (*SessionCipher, error) {
	if len(key) != aes.BlockSize || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("key and iv must be %d bytes", aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &SessionCipher{
		enc: cipher.NewCBCEncrypter(block, iv),
		dec: cipher.NewCBCDecrypter(block, iv),
	}, nil
}

// Encrypt pads the plaintext with NUL bytes to a block boundary and
// encrypts it in place, advancing the chained IV.
func (c *SessionCipher) Encrypt(plaintext []byte) []byte {
	buffer := Pad(plaintext)
	c.enc.CryptBlocks(buffer, buffer)
	return buffer
}

// Decrypt decrypts a whole-block ciphertext in place and strips the
// trailing NUL padding. Short or unaligned input is rejected without
// touching the IV chain.
func (c *SessionCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	c.dec.CryptBlocks(ciphertext, ciphertext)
	return bytes.TrimRight(ciphertext, "\x00"), nil
}

// Pad right-pads data with NUL bytes to a 16 byte boundary. Data that
// is already aligned is returned as is.
func Pad(data []byte) []byte {
	if rem := len(data) % aes.BlockSize; rem != 0 {
		data = append(data, make([]byte, aes.BlockSize-rem)...)
	}
	return data
}

// DeriveSessionKeys turns the Diffie-Hellman shared value into the
// session key material: key = MD5(shared big-endian), iv = MD5(key).
func DeriveSessionKeys(shared uint32) (key, iv []byte) {
	var buffer [4]byte
	binary.BigEndian.PutUint32(buffer[:], shared)

	k := md5.Sum(buffer[:])
	i := md5.Sum(k[:])

	return k[:], i[:]
}

// TokenCipher wraps and unwraps OAuth artifacts (authorization codes,
// access and refresh tokens) with the client secret. Unlike the
// session cipher the IV is re-derived for every operation, so a token
// wrapped at any point in time unwraps deterministically.
type TokenCipher struct {
	key []byte
	iv  []byte
}

func NewTokenCipher(secret []byte) *TokenCipher {
	iv := md5.Sum(secret)
	return &TokenCipher{key: secret, iv: iv[:]}
}

func (c *TokenCipher) Wrap(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	buffer := Pad(append([]byte(nil), data...))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(buffer, buffer)
	return buffer, nil
}

// Unwrap returns the full decrypted blocks without stripping padding;
// token material is fixed length and may legitimately end in zero
// bytes, so callers slice to the expected length themselves.
func (c *TokenCipher) Unwrap(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("wrapped token length %d is not a multiple of the block size", len(data))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	buffer := append([]byte(nil), data...)
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(buffer, buffer)
	return buffer, nil
}
