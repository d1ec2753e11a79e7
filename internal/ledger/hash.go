package ledger

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash is a header hash. It renders as the usual byte-reversed hex string.
type Hash chainhash.Hash

// String returns the hex form.
func (h Hash) String() string {
	return chainhash.Hash(h).String()
}

// IsZero reports whether h is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := chainhash.NewHashFromStr(string(text))
	if err != nil {
		return err
	}
	*h = Hash(*parsed)
	return nil
}

// ParseHash decodes the hex form.
func ParseHash(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}
