// Package licensecode generates and checks license codes of the form
// XXXX-XXXX-XXXX-XXXX.
//
// The first twelve characters are a payload (issue time, validity, tier and
// randomness, all base36); the last four are a keyed checksum over the payload.
package licensecode

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"licensegate.app/cloud/models"
)

const (
	payloadLen  = 12
	checksumLen = 4

	// MaxValidityDays is the largest period the two-character days field holds.
	MaxValidityDays = 36*36 - 1
)

var (
	shape = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

	ErrFormat   = errors.New("license code must be four groups of four uppercase alphanumerics")
	ErrChecksum = errors.New("license code checksum mismatch")
)

var tierLetters = map[models.Tier]byte{
	models.TierBasic:        'B',
	models.TierProfessional: 'P',
	models.TierEnterprise:   'E',
}

// Normalize trims surrounding whitespace and uppercases code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidFormat checks only the shape of code, not its checksum.
func ValidFormat(code string) bool {
	return shape.MatchString(code)
}

// Payload is the information carried in the first twelve characters.
type Payload struct {
	IssuedAt     time.Time
	ValidityDays int
	Tier         models.Tier
}

// Parse decodes the payload of a well-formed code. It does not check the checksum.
func Parse(code string) (Payload, error) {
	if !ValidFormat(code) {
		return Payload{}, ErrFormat
	}
	raw := strings.ReplaceAll(code, "-", "")

	// Only the low six base36 digits of the issue time are kept, so the value
	// is an offset within a ~70 day cycle rather than an absolute time.
	secs, err := strconv.ParseInt(strings.ToLower(raw[0:6]), 36, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("issue time: %w", err)
	}
	days, err := strconv.ParseInt(strings.ToLower(raw[6:8]), 36, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("validity days: %w", err)
	}

	tier := models.TierProfessional
	for t, letter := range tierLetters {
		if raw[8] == letter {
			tier = t
		}
	}

	return Payload{
		IssuedAt:     time.Unix(secs, 0).UTC(),
		ValidityDays: int(days),
		Tier:         tier,
	}, nil
}

// Checksum is the first four hex characters of HMAC-SHA256(secret, payload),
// uppercased.
func Checksum(payload, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))[:checksumLen])
}

// Validate checks both shape and checksum.
func Validate(code, secret string) error {
	if !ValidFormat(code) {
		return ErrFormat
	}
	raw := strings.ReplaceAll(code, "-", "")
	want := Checksum(raw[:payloadLen], secret)
	if !hmac.Equal([]byte(want), []byte(raw[payloadLen:])) {
		return ErrChecksum
	}
	return nil
}

type Generator struct {
	secret string
	now    func() time.Time
	random io.Reader
}

func NewGenerator(secret string) *Generator {
	return &Generator{secret: secret, now: time.Now, random: rand.Reader}
}

// WithClock replaces the time source, mostly for tests.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

func (g *Generator) Generate(validityDays int, tier models.Tier) (string, error) {
	if validityDays < 1 || validityDays > MaxValidityDays {
		return "", fmt.Errorf("validity days must be between 1 and %d", MaxValidityDays)
	}
	letter, ok := tierLetters[tier]
	if !ok {
		return "", fmt.Errorf("unknown tier %q", tier)
	}

	suffix, err := g.randomBase36(3)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(lastN(strconv.FormatInt(g.now().Unix(), 36), 6))
	b.WriteString(padLeft(strconv.FormatInt(int64(validityDays), 36), 2))
	b.WriteByte(letter)
	b.WriteString(suffix)
	payload := strings.ToUpper(b.String())

	return format(payload + Checksum(payload, g.secret)), nil
}

// BatchRequest describes a set of licenses issued together.
type BatchRequest struct {
	Name         string      `json:"batchName"`
	Tier         models.Tier `json:"tier"`
	ValidityDays int         `json:"validityDays" validate:"required,min=1,max=1295"`
	Quantity     int         `json:"quantity" validate:"required,min=1,max=1000"`
}

// GenerateBatch issues Quantity unique licenses sharing one batch id.
func (g *Generator) GenerateBatch(req BatchRequest) ([]models.License, error) {
	tier, err := models.ParseTier(string(req.Tier))
	if err != nil {
		return nil, err
	}
	if req.Quantity < 1 {
		return nil, errors.New("quantity must be positive")
	}

	batchID := uuid.NewString()
	createdAt := g.now()
	seen := make(map[string]struct{}, req.Quantity)
	out := make([]models.License, 0, req.Quantity)
	for len(out) < req.Quantity {
		code, err := g.Generate(req.ValidityDays, tier)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		l := models.NewLicense(code, req.ValidityDays, tier, createdAt)
		l.BatchID = batchID
		l.BatchName = req.Name
		out = append(out, l)
	}
	return out, nil
}

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// unbiasedLimit is the largest multiple of 36 that fits in a byte; bytes at
// or above it are redrawn so every character is equally likely.
const unbiasedLimit = 256 - 256%len(alphabet)

func (g *Generator) randomBase36(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(g.random, buf[:n-len(out)]); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, v := range buf[:n-len(out)] {
			if int(v) < unbiasedLimit {
				out = append(out, alphabet[int(v)%len(alphabet)])
			}
		}
	}
	return string(out), nil
}

func format(raw string) string {
	return raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12] + "-" + raw[12:16]
}

func lastN(s string, n int) string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return padLeft(s, n)
}

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}
