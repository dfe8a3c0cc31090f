// Package credential hashes, verifies and validates account passwords.
package credential

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultCost      = 12
	DefaultMinLength = 8
	MaxLength        = 128

	// bcrypt ignores (newer x/crypto rejects) input past 72 bytes.
	bcryptInputLimit = 72
)

var ErrWeakPassword = errors.New("password does not meet the password policy")

// ErrAlreadyHashed is returned by Hash when handed a value that is already a
// bcrypt hash.
var ErrAlreadyHashed = errors.New("value is already hashed")

// Common passwords rejected by case-insensitive substring match.
var weakPasswords = []string{
	"password",
	"passw0rd",
	"123456",
	"12345678",
	"qwerty",
	"letmein",
	"welcome",
	"iloveyou",
	"admin",
	"abc123",
	"monkey",
	"dragon",
	"football",
	"baseball",
	"trustno1",
	"sunshine",
	"master",
	"111111",
	"000000",
}

// PolicyError lists every rule a password failed.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return "password must " + strings.Join(e.Violations, ", ")
}

func (e *PolicyError) Is(target error) bool {
	return target == ErrWeakPassword
}

type Codec struct {
	cost      int
	minLength int
	dummyHash []byte
}

func NewCodec(cost, minLength int) *Codec {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	if minLength < DefaultMinLength || minLength > MaxLength {
		minLength = DefaultMinLength
	}

	c := &Codec{cost: cost, minLength: minLength}
	// Hash of a throwaway value used to equalise timing for unknown accounts.
	dummy, err := bcrypt.GenerateFromPassword([]byte("portal-auth-dummy-Password-1!"), cost)
	if err == nil {
		c.dummyHash = dummy
	}
	return c
}

func (c *Codec) Cost() int {
	return c.cost
}

// Validate checks a candidate password against the policy.
func (c *Codec) Validate(password string) error {
	var violations []string

	length := utf8.RuneCountInString(password)
	if length < c.minLength {
		violations = append(violations, "be at least "+strconv.Itoa(c.minLength)+" characters")
	}
	if length > MaxLength {
		violations = append(violations, "be at most "+strconv.Itoa(MaxLength)+" characters")
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r) && !unicode.IsSpace(r):
			symbol = true
		}
	}
	if !upper {
		violations = append(violations, "contain an uppercase letter")
	}
	if !lower {
		violations = append(violations, "contain a lowercase letter")
	}
	if !digit {
		violations = append(violations, "contain a digit")
	}
	if !symbol {
		violations = append(violations, "contain a symbol")
	}

	folded := strings.ToLower(password)
	for _, weak := range weakPasswords {
		if strings.Contains(folded, weak) {
			violations = append(violations, "not contain a common password")
			break
		}
	}

	if len(violations) > 0 {
		return &PolicyError{Violations: violations}
	}
	return nil
}

// Hash validates the password and returns its salted bcrypt hash.
func (c *Codec) Hash(password string) (string, error) {
	if LooksHashed(password) {
		return "", ErrAlreadyHashed
	}
	if err := c.Validate(password); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword(prepare(password), c.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. Any failure, including a
// malformed hash, is reported as a mismatch.
func (c *Codec) Verify(password, hash string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), prepare(password)) == nil
}

// DummyVerify burns the same work as a real comparison and always fails.
func (c *Codec) DummyVerify(password string) bool {
	if len(c.dummyHash) > 0 {
		_ = bcrypt.CompareHashAndPassword(c.dummyHash, prepare(password))
	}
	return false
}

// LooksHashed recognises bcrypt output so callers never hash twice.
func LooksHashed(value string) bool {
	if len(value) != 60 {
		return false
	}
	return strings.HasPrefix(value, "$2a$") ||
		strings.HasPrefix(value, "$2b$") ||
		strings.HasPrefix(value, "$2y$")
}

func prepare(password string) []byte {
	if len(password) <= bcryptInputLimit {
		return []byte(password)
	}
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}
