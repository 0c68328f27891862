// Package payload signs and (de)serializes the text embedded in check-in QR codes.
//
// A payload binds an event id to the millisecond it was issued. The signature is
// SHA-256 over eventID, the decimal timestamp and a shared secret, so a payload
// cannot be moved to another event or re-dated without the secret.
package payload

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrMalformed is returned by Decode for text that is not a complete payload.
var ErrMalformed = errors.New("malformed check-in payload")

// ErrInvalidEventID is returned for event ids that cannot be carried verbatim
// in the JSON text. The signature covers the raw bytes, so an id that JSON
// would rewrite could never verify.
var ErrInvalidEventID = errors.New("event id must be non-empty valid UTF-8")

// CheckEventID reports whether eventID can be issued.
func CheckEventID(eventID string) error {
	if eventID == "" || !utf8.ValidString(eventID) {
		return ErrInvalidEventID
	}
	return nil
}

// SignatureLen is the length of a hex encoded SHA-256 digest.
const SignatureLen = sha256.Size * 2

type Payload struct {
	EventID        string `json:"eventId"`
	IssuedAtMillis int64  `json:"timestamp"`
	Signature      string `json:"signature"`
}

// Signer holds the shared secret. The zero value is not usable.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("payload: empty signing secret")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the lowercase hex signature for (eventID, issuedAtMillis).
func (s *Signer) Sign(eventID string, issuedAtMillis int64) string {
	h := sha256.New()
	h.Write([]byte(eventID))
	h.Write([]byte(strconv.FormatInt(issuedAtMillis, 10)))
	h.Write(s.secret)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature and compares it with claimed.
func (s *Signer) Verify(eventID string, issuedAtMillis int64, claimed string) bool {
	want := s.Sign(eventID, issuedAtMillis)
	return subtle.ConstantTimeCompare([]byte(want), []byte(claimed)) == 1
}

// Issue builds a signed payload for eventID at issuedAtMillis.
func (s *Signer) Issue(eventID string, issuedAtMillis int64) Payload {
	return Payload{
		EventID:        eventID,
		IssuedAtMillis: issuedAtMillis,
		Signature:      s.Sign(eventID, issuedAtMillis),
	}
}

// Encode serializes the triple as a compact JSON object.
func Encode(eventID string, issuedAtMillis int64, signature string) (string, error) {
	if err := CheckEventID(eventID); err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	b, err := json.Marshal(Payload{
		EventID:        eventID,
		IssuedAtMillis: issuedAtMillis,
		Signature:      signature,
	})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// String is the barcode text for p.
func (p Payload) String() string {
	text, err := Encode(p.EventID, p.IssuedAtMillis, p.Signature)
	if err != nil {
		return ""
	}
	return text
}

// wire mirrors Payload with pointer fields so missing keys can be told apart
// from zero values.
type wire struct {
	EventID   *string         `json:"eventId"`
	Timestamp json.RawMessage `json:"timestamp"`
	Signature *string         `json:"signature"`
}

// Decode parses barcode text. Any structural problem yields an error wrapping ErrMalformed.
func Decode(text string) (Payload, error) {
	dec := json.NewDecoder(strings.NewReader(text))

	var w wire
	if err := dec.Decode(&w); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Payload{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	switch {
	case w.EventID == nil || *w.EventID == "":
		return Payload{}, fmt.Errorf("%w: missing eventId", ErrMalformed)
	case len(w.Timestamp) == 0:
		return Payload{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	case w.Signature == nil || *w.Signature == "":
		return Payload{}, fmt.Errorf("%w: missing signature", ErrMalformed)
	}

	// Only a bare JSON integer is accepted; quoted, fractional and exponent forms are not.
	ts, err := strconv.ParseInt(string(w.Timestamp), 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: timestamp is not an integer", ErrMalformed)
	}

	return Payload{
		EventID:        *w.EventID,
		IssuedAtMillis: ts,
		Signature:      *w.Signature,
	}, nil
}
