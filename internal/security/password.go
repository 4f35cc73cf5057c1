package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"portal/internal/models"
)

const (
	SchemeBcrypt   = "bcrypt"
	SchemeArgon2id = "argon2id"

	argon2Prefix = "$argon2id$"

	// bcrypt only reads this many bytes of input.
	maxBcryptPasswordLength = 72
)

// Bounds applied to parameters decoded from a stored argon2id hash so a
// corrupted row cannot make Verify allocate unbounded memory.
const (
	maxArgon2Memory     = 1 << 20 // KiB
	maxArgon2Iterations = 16
	maxArgon2KeyLength  = 128
)

var (
	ErrInvalidHash = errors.New("invalid password hash")
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Hasher produces salted one-way password hashes.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// NewHasher returns the Hasher for scheme. bcryptCost is ignored for argon2id.
func NewHasher(scheme string, bcryptCost int) (Hasher, error) {
	switch scheme {
	case "", SchemeBcrypt:
		return NewBcryptHasher(bcryptCost), nil
	case SchemeArgon2id:
		return NewArgon2Hasher(nil), nil
	default:
		return nil, fmt.Errorf("unknown password scheme %q", scheme)
	}
}

type BcryptHasher struct {
	cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (h *BcryptHasher) Verify(password, hash string) bool {
	return VerifyPassword(password, hash)
}

// Argon2Params are the argon2id cost parameters.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultArgon2Params() *Argon2Params {
	return &Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

type Argon2Hasher struct {
	params *Argon2Params
}

// NewArgon2Hasher uses DefaultArgon2Params when params is nil.
func NewArgon2Hasher(params *Argon2Params) *Argon2Hasher {
	if params == nil {
		params = DefaultArgon2Params()
	}
	return &Argon2Hasher{params: params}
}

// Hash encodes the result in PHC form: $argon2id$v=19$m=65536,t=3,p=2$salt$key
func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix,
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Argon2Hasher) Verify(password, hash string) bool {
	return VerifyPassword(password, hash)
}

// VerifyPassword reports whether password reproduces hash. The scheme is
// taken from the hash itself, so rows written under either scheme keep
// verifying after a config change. Malformed hashes yield false, and so do
// passwords bcrypt could not have hashed.
func VerifyPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	if strings.HasPrefix(hash, argon2Prefix) {
		return verifyArgon2(password, hash)
	}
	// Longer inputs would be truncated and match any password sharing
	// the first 72 bytes.
	if len(password) > maxBcryptPasswordLength {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func verifyArgon2(password, hash string) bool {
	params, salt, key, err := decodeArgon2(hash)
	if err != nil {
		return false
	}
	other := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return subtle.ConstantTimeCompare(key, other) == 1
}

func decodeArgon2(hash string) (*Argon2Params, []byte, []byte, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != SchemeArgon2id {
		return nil, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, nil, ErrInvalidHash
	}

	p := &Argon2Params{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return nil, nil, nil, ErrInvalidHash
	}
	if p.Memory == 0 || p.Memory > maxArgon2Memory || p.Iterations == 0 || p.Iterations > maxArgon2Iterations || p.Parallelism == 0 {
		return nil, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return nil, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 || len(key) > maxArgon2KeyLength {
		return nil, nil, nil, ErrInvalidHash
	}
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))

	return p, salt, key, nil
}

// SetPassword replaces the user's stored hash with a fresh one for password.
func SetPassword(u *models.User, h Hasher, password string) error {
	hash, err := h.Hash(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

// CheckPassword is false for a user whose hash was never set.
func CheckPassword(u *models.User, password string) bool {
	if u == nil || u.PasswordHash == "" {
		return false
	}
	return VerifyPassword(password, u.PasswordHash)
}
