package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// DH implements the 32-bit Diffie-Hellman exchange used by the hub
// handshake. The group parameters arrive from the hub, so all the
// arithmetic stays in uint32 with overflow-safe modular helpers.
//
// This scheme is not cryptographically strong; the trust root of the
// protocol is the pre-shared client token, not the key exchange.
type DH struct {
	prime     uint32
	generator uint32
	seed      uint32
}

// HandshakeSize is the length of the hub's opening message: three
// big-endian 32-bit values (prime, generator, hub public key).
const HandshakeSize = 12

func NewDH(prime, generator uint32) (*DH, error) {
	if prime == 0 {
		return nil, fmt.Errorf("prime must be non-zero")
	}

	seed, err := randomSeed()
	if err != nil {
		return nil, err
	}

	return &DH{prime: prime, generator: generator, seed: seed}, nil
}

// ParseHandshake decodes the hub's opening message and returns the
// exchange state together with the hub's public value.
func ParseHandshake(data []byte) (*DH, uint32, error) {
	if len(data) < HandshakeSize {
		return nil, 0, fmt.Errorf("handshake too short: %d bytes", len(data))
	}

	dh, err := NewDH(binary.BigEndian.Uint32(data[0:4]), binary.BigEndian.Uint32(data[4:8]))
	if err != nil {
		return nil, 0, err
	}

	return dh, binary.BigEndian.Uint32(data[8:12]), nil
}

// PublicKey returns generator^seed mod prime.
func (dh *DH) PublicKey() uint32 {
	return powmod(dh.generator, dh.seed, dh.prime)
}

// SharedKey returns peer^seed mod prime.
func (dh *DH) SharedKey(peer uint32) uint32 {
	return powmod(peer, dh.seed, dh.prime)
}

func randomSeed() (uint32, error) {
	var buffer [4]byte

	for {
		if _, err := rand.Read(buffer[:]); err != nil {
			return 0, err
		}

		if seed := binary.BigEndian.Uint32(buffer[:]); seed != 0 {
			return seed, nil
		}
	}
}

// mulmod multiplies by doubling so intermediate values never exceed
// 32 bits plus one doubling step.
func mulmod(a, b, m uint32) uint32 {
	var result uint32

	a %= m

	for b > 0 {
		if b&1 != 0 {
			result = addmod(result, a, m)
		}

		a = addmod(a, a, m)
		b >>= 1
	}

	return result
}

func addmod(a, b, m uint32) uint32 {
	a %= m
	b %= m

	if a >= m-b {
		return a - (m - b)
	}

	return a + b
}

// powmod is square-and-multiply on top of mulmod.
func powmod(a, b, m uint32) uint32 {
	var result uint32 = 1

	a %= m

	for b > 0 {
		if b&1 != 0 {
			result = mulmod(result, a, m)
		}

		a = mulmod(a, a, m)
		b >>= 1
	}

	return result
}
