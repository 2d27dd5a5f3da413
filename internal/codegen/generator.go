package codegen

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/makkenzo/activation-platform/internal/ierr"
)

// Alphabet omits the visually ambiguous 0, O, 1 and I.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	MinLength = 8

	batchAttemptFactor   = 10
	excludeAttemptFactor = 20
)

type Generator struct {
	saltKey []byte
	now     func() time.Time
}

func New(saltKey string) *Generator {
	return &Generator{
		saltKey: []byte(saltKey),
		now:     time.Now,
	}
}

// Generate returns one code of exactly length characters starting with prefix.
func (g *Generator) Generate(length int, prefix string) (string, error) {
	if length < MinLength || length <= len(prefix) {
		return "", fmt.Errorf("%w: length %d, prefix %q", ierr.ErrInvalidLength, length, prefix)
	}
	bodyLen := length - len(prefix)

	block, err := randomAlphabetString(bodyLen)
	if err != nil {
		return "", fmt.Errorf("failed to generate random block: %w", err)
	}
	suffix, err := generateRandomBytes(4)
	if err != nil {
		return "", fmt.Errorf("failed to generate random suffix: %w", err)
	}

	ts := strconv.FormatInt(g.now().Unix(), 10)
	if len(ts) > 6 {
		ts = ts[len(ts)-6:]
	}

	raw := prefix + block + ts + strings.ToUpper(hex.EncodeToString(suffix))[:4]

	mac := hmac.New(sha256.New, g.saltKey)
	mac.Write([]byte(raw))
	digest := strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))

	body := make([]byte, 0, bodyLen)
	for i := 0; i < len(digest) && len(body) < bodyLen; i++ {
		if strings.IndexByte(Alphabet, digest[i]) >= 0 {
			body = append(body, digest[i])
		}
	}
	if missing := bodyLen - len(body); missing > 0 {
		pad, err := randomAlphabetString(missing)
		if err != nil {
			return "", fmt.Errorf("failed to pad code: %w", err)
		}
		body = append(body, pad...)
	}

	return prefix + string(body), nil
}

// GenerateBatch returns count distinct codes or ErrGenerationExhausted.
func (g *Generator) GenerateBatch(count, length int, prefix string) ([]string, error) {
	return g.generateUnique(count, length, prefix, nil, count*batchAttemptFactor)
}

// GenerateExcluding returns count distinct codes none of which is in exclude.
func (g *Generator) GenerateExcluding(count, length int, prefix string, exclude map[string]struct{}) ([]string, error) {
	return g.generateUnique(count, length, prefix, exclude, count*excludeAttemptFactor)
}

func (g *Generator) generateUnique(count, length int, prefix string, exclude map[string]struct{}, maxAttempts int) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", ierr.ErrInvalidQuantity, count)
	}

	seen := make(map[string]struct{}, count)
	codes := make([]string, 0, count)
	for attempts := 0; len(codes) < count && attempts < maxAttempts; attempts++ {
		code, err := g.Generate(length, prefix)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		if _, taken := exclude[code]; taken {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	if len(codes) < count {
		return nil, fmt.Errorf("%w: got %d of %d after %d attempts", ierr.ErrGenerationExhausted, len(codes), count, maxAttempts)
	}
	return codes, nil
}

// FormatValid is a syntactic check only.
func FormatValid(code, expectedPrefix string) bool {
	if len(code) < MinLength || !strings.HasPrefix(code, expectedPrefix) {
		return false
	}
	for i := len(expectedPrefix); i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// Mask hides the middle of a code for logging.
func Mask(code string) string {
	if len(code) <= 10 {
		return "****"
	}
	return code[:6] + "****" + code[len(code)-4:]
}

func generateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// randomAlphabetString draws uniformly: the alphabet has exactly 32 symbols.
func randomAlphabetString(n int) (string, error) {
	b, err := generateRandomBytes(n)
	if err != nil {
		return "", err
	}
	for i := range b {
		b[i] = Alphabet[b[i]&31]
	}
	return string(b), nil
}
