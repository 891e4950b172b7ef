// Package cipher implements the Session's AES-128-CTR transform over UDP
// audio payloads. The 16-byte UDP datagram header doubles as the CTR
// IV/counter block (spec.md §4.C, §9): both ends derive it deterministically
// from (type, flags, payload length, MAC, cookie, sequence), so no IV needs
// to travel separately. IV uniqueness within a Session follows from cookie
// being fixed and sequence strictly increasing — see spec.md §9.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
)

// Name is the cipher identifier advertised to devices in the hello reply.
const Name = "aes-128-ctr"

// KeySize is the AES-128 key length in bytes.
const KeySize = 16

// Transform applies AES-CTR keyed by key, using iv (the 16-byte UDP header)
// as the counter block, to src and returns the result. CTR mode is its own
// inverse, so the same call encrypts or decrypts depending on direction.
func Transform(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)
	dst := make([]byte, len(src))
	stream.XORKeyStream(dst, src)
	return dst, nil
}
