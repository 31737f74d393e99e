package wallet

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// ErrUnsupportedKeyFormat is returned during init when a descriptor's
// signing material is neither a base58-encoded 64-byte seed nor a
// 64-element numeric-array textual form.
var ErrUnsupportedKeyFormat = fmt.Errorf("unsupported key format")

// SigningHandle is the opaque handle the Execution Engine uses to sign
// transactions. It never exposes the raw secret to any other component;
// only Sign and PublicKey cross the package boundary.
type SigningHandle struct {
	key solana.PrivateKey
}

// PublicKey returns the base58 address derived from the signing material.
func (h SigningHandle) PublicKey() solana.PublicKey {
	return h.key.PublicKey()
}

// Sign signs payload and returns the signature bytes.
func (h SigningHandle) Sign(payload []byte) (solana.Signature, error) {
	return h.key.Sign(payload)
}

// loadSigningHandle parses a wallet's signing material. path may be a
// filesystem path to a keypair file or inline material; both a base58
// 64-byte seed and a Solana-CLI-style 64-element JSON numeric array are
// accepted, matching the two textual forms the original tooling produced.
func loadSigningHandle(path string) (SigningHandle, error) {
	raw := strings.TrimSpace(path)

	if data, err := os.ReadFile(path); err == nil {
		raw = strings.TrimSpace(string(data))
	}

	if strings.HasPrefix(raw, "[") {
		var nums []byte
		var arr []int
		if err := json.Unmarshal([]byte(raw), &arr); err != nil {
			return SigningHandle{}, fmt.Errorf("%w: malformed numeric array: %v", ErrUnsupportedKeyFormat, err)
		}
		if len(arr) != 64 {
			return SigningHandle{}, fmt.Errorf("%w: numeric array must have 64 elements, got %d", ErrUnsupportedKeyFormat, len(arr))
		}
		nums = make([]byte, 64)
		for i, v := range arr {
			if v < 0 || v > 255 {
				return SigningHandle{}, fmt.Errorf("%w: numeric array element out of byte range", ErrUnsupportedKeyFormat)
			}
			nums[i] = byte(v)
		}
		return SigningHandle{key: solana.PrivateKey(nums)}, nil
	}

	decoded, err := base58.Decode(raw)
	if err != nil {
		return SigningHandle{}, fmt.Errorf("%w: not valid base58: %v", ErrUnsupportedKeyFormat, err)
	}
	if len(decoded) != 64 {
		return SigningHandle{}, fmt.Errorf("%w: base58 seed must decode to 64 bytes, got %d", ErrUnsupportedKeyFormat, len(decoded))
	}
	return SigningHandle{key: solana.PrivateKey(decoded)}, nil
}
