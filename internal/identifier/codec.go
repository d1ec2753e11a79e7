// Package identifier encodes and validates Link identifiers of the form
// L{D}{S}-{BODY}-{C}: D and S are the difficulty and size buckets as single
// upper-case hex digits, BODY is 6-8 characters of 0-9A-Z and C is the first hex
// digit of the blake3 digest of "L{D}{S}-{BODY}".
package identifier

import (
	"fmt"
	"math"
	"math/bits"
	"math/rand/v2"
	"strings"

	"github.com/bardlex/blockgrave/pkg/errors"
	"lukechampine.com/blake3"
)

const (
	// Alphabet is the body character set.
	Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// MinBodyLen and MaxBodyLen bound the body length accepted by Parse.
	MinBodyLen = 6
	MaxBodyLen = 8
	// DefaultBodyLen is the body length produced by a zero Codec.
	DefaultBodyLen = 6
	// DifficultyScale maps job difficulty onto the [0,1] score used for bucketing.
	DifficultyScale = 220.0

	hexDigits = "0123456789ABCDEF"
)

// ID is a decoded Link identifier.
type ID struct {
	DifficultyBucket uint8
	SizeBucket       uint8
	Body             string
	Checksum         byte
}

// String renders the identifier text.
func (id ID) String() string {
	return id.prefix() + "-" + string(id.Checksum)
}

func (id ID) prefix() string {
	return "L" + string(hexDigits[id.DifficultyBucket&0xf]) + string(hexDigits[id.SizeBucket&0xf]) + "-" + id.Body
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and validates the checksum.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Score maps a job difficulty onto [0,1].
func Score(difficulty float64) float64 {
	if math.IsNaN(difficulty) {
		return 0
	}
	return math.Min(math.Max(difficulty/DifficultyScale, 0), 1)
}

// DifficultyBucket returns clamp(floor(score*16), 0, 15).
func DifficultyBucket(score float64) uint8 {
	if math.IsNaN(score) || score <= 0 {
		return 0
	}
	b := math.Floor(score * 16)
	if b > 15 {
		return 15
	}
	return uint8(b)
}

// SizeBucket returns clamp(floor(log2(count)), 0, 15).
func SizeBucket(count int) uint8 {
	if count <= 1 {
		return 0
	}
	return uint8(min(bits.Len(uint(count))-1, 15))
}

// Checksum returns the checksum digit for the given buckets and body.
func Checksum(difficultyBucket, sizeBucket uint8, body string) byte {
	id := ID{DifficultyBucket: difficultyBucket, SizeBucket: sizeBucket, Body: body}
	sum := blake3.Sum256([]byte(id.prefix()))
	return hexDigits[sum[0]>>4]
}

// Codec produces identifiers with a fixed body length.
type Codec struct {
	bodyLen int
}

// NewCodec returns a codec producing bodies of bodyLen characters.
func NewCodec(bodyLen int) (*Codec, error) {
	if bodyLen < MinBodyLen || bodyLen > MaxBodyLen {
		return nil, errors.New(errors.ErrorTypeValidation, "identifier_codec",
			fmt.Sprintf("body length %d outside [%d,%d]", bodyLen, MinBodyLen, MaxBodyLen))
	}
	return &Codec{bodyLen: bodyLen}, nil
}

// Encode builds a new identifier for a completed link. The body is drawn from rng.
func (c *Codec) Encode(rng *rand.Rand, score float64, linkletCount int) ID {
	n := c.bodyLen
	if n == 0 {
		n = DefaultBodyLen
	}

	var body strings.Builder
	body.Grow(n)
	for range n {
		body.WriteByte(Alphabet[rng.IntN(len(Alphabet))])
	}

	id := ID{
		DifficultyBucket: DifficultyBucket(score),
		SizeBucket:       SizeBucket(linkletCount),
		Body:             body.String(),
	}
	id.Checksum = Checksum(id.DifficultyBucket, id.SizeBucket, id.Body)
	return id
}

// Parse decodes text and validates its checksum. Structural problems return
// ErrMalformedIdentifier; a wrong checksum digit returns ErrChecksumMismatch.
// The body is located from the dash positions so any length in
// [MinBodyLen, MaxBodyLen] is accepted.
func Parse(text string) (ID, error) {
	first := strings.IndexByte(text, '-')
	last := strings.LastIndexByte(text, '-')
	if first != 3 || last == first || text[0] != 'L' {
		return ID{}, malformed(text, "expected L{D}{S}-{BODY}-{C}")
	}
	if len(text)-last != 2 {
		return ID{}, malformed(text, "checksum must be one hex digit")
	}

	d := strings.IndexByte(hexDigits, text[1])
	s := strings.IndexByte(hexDigits, text[2])
	c := strings.IndexByte(hexDigits, text[last+1])
	if d < 0 || s < 0 || c < 0 {
		return ID{}, malformed(text, "buckets and checksum must be upper-case hex")
	}

	body := text[first+1 : last]
	if len(body) < MinBodyLen || len(body) > MaxBodyLen {
		return ID{}, malformed(text, fmt.Sprintf("body length %d outside [%d,%d]", len(body), MinBodyLen, MaxBodyLen))
	}
	for i := range len(body) {
		if strings.IndexByte(Alphabet, body[i]) < 0 {
			return ID{}, malformed(text, fmt.Sprintf("body character %q outside 0-9A-Z", body[i]))
		}
	}

	id := ID{
		DifficultyBucket: uint8(d),
		SizeBucket:       uint8(s),
		Body:             body,
		Checksum:         text[last+1],
	}
	if want := Checksum(id.DifficultyBucket, id.SizeBucket, id.Body); want != id.Checksum {
		return ID{}, errors.Wrap(errors.ErrChecksumMismatch, errors.ErrorTypeValidation, "parse_identifier",
			fmt.Sprintf("%q has checksum %c, expected %c", text, id.Checksum, want))
	}
	return id, nil
}

// Valid reports whether text is a well-formed identifier with a correct checksum.
func Valid(text string) bool {
	_, err := Parse(text)
	return err == nil
}

func malformed(text, reason string) error {
	return errors.Wrap(errors.ErrMalformedIdentifier, errors.ErrorTypeValidation, "parse_identifier",
		fmt.Sprintf("%q: %s", text, reason))
}
