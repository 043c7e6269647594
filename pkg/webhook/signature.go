package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the accepted age of a signature when none is configured.
const DefaultTolerance = 5 * time.Minute

// Signature is a timestamp-bound HMAC-SHA256 signature.
// Header form: "t=<unix seconds>,v1=<hex digest>".
type Signature struct {
	Timestamp int64
	Value     string
}

// String renders the signature as a header value.
func (s Signature) String() string {
	return "t=" + strconv.FormatInt(s.Timestamp, 10) + ",v1=" + s.Value
}

// Sign computes HMAC-SHA256(secret, "<timestamp>.<payload>").
// Binding the timestamp into the digest prevents replays of old bodies.
func Sign(secret string, payload []byte, at time.Time) (Signature, error) {
	if secret == "" {
		return Signature{}, ErrMissingSecret
	}
	if len(payload) == 0 {
		return Signature{}, ErrEmptyPayload
	}
	ts := at.Unix()
	return Signature{Timestamp: ts, Value: digest(secret, ts, payload)}, nil
}

// ParseHeader reads a signature header. Unknown keys are skipped; when several
// v1 values are present the last one wins.
func ParseHeader(header string) (Signature, error) {
	var sig Signature
	for part := range strings.SplitSeq(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Signature{}, fmt.Errorf("%w: invalid timestamp", ErrMalformedHeader)
			}
			sig.Timestamp = ts
		case "v1":
			sig.Value = value
		}
	}
	if sig.Timestamp == 0 || sig.Value == "" {
		return Signature{}, fmt.Errorf("%w: t and v1 are required", ErrMalformedHeader)
	}
	return sig, nil
}

// Verify checks the header against the raw payload before anything parses it.
// A zero tolerance disables the age check.
func Verify(secret string, payload []byte, header string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return ErrMissingSecret
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	sig, err := ParseHeader(header)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(sig.Timestamp, 0))
		// Small clock skew is fine; far-future timestamps are not.
		if age > tolerance || age < -time.Minute {
			return fmt.Errorf("%w: age %s", ErrSignatureExpired, age.Truncate(time.Second))
		}
	}

	expected := digest(secret, sig.Timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(sig.Value)) {
		return ErrSignatureInvalid
	}
	return nil
}

func digest(secret string, ts int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
