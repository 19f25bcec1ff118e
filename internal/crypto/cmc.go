package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// CMCBlockSize is the AES block size the CMC construction operates on;
// inputs must be a multiple of this size (the outer index's fixed
// 32-byte fingerprint and 16-byte address keys/values both qualify).
const CMCBlockSize = aes.BlockSize

// ErrCMCInputSize is returned when the plaintext/ciphertext is not a
// whole multiple of the AES block size.
var ErrCMCInputSize = errors.New("cmc: input must be a multiple of the AES block size")

// EncryptCMC implements the deterministic CMC ("CBC-Mask-CBC") wide-block
// cipher used to make the OuterIndex searchable. It is a double pass of CBC
// encryption under a fixed zero IV, with the intermediate block reversed
// byte-by-byte between passes — this breaks the chaining correlation a
// naive double-CBC would leave, without introducing any randomness, which
// is exactly the property the outer index needs (equal keys/values always
// encrypt to the same ciphertext so bolt's byte-comparison lookups work).
//
// This is not a general-purpose AEAD: it provides no authentication and
// deliberately leaks equality. It must only be used for OuterIndex
// keys/values, never for chunk payloads.
func EncryptCMC(key []byte, plaintext []byte) ([]byte, error) {
	if len(plaintext)%CMCBlockSize != 0 || len(plaintext) == 0 {
		return nil, ErrCMCInputSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cmc: new cipher: %w", err)
	}

	var zeroIV [CMCBlockSize]byte

	pass1 := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(pass1, plaintext)

	reversed := reverseBytes(pass1)

	pass2 := make([]byte, len(reversed))
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(pass2, reversed)

	return pass2, nil
}

// DecryptCMC reverses EncryptCMC.
func DecryptCMC(key []byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%CMCBlockSize != 0 || len(ciphertext) == 0 {
		return nil, ErrCMCInputSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cmc: new cipher: %w", err)
	}

	var zeroIV [CMCBlockSize]byte

	pass1 := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(pass1, ciphertext)

	unreversed := reverseBytes(pass1)

	pass2 := make([]byte, len(unreversed))
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(pass2, unreversed)

	return pass2, nil
}

func reverseBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}
