// Package hash derives and verifies operator password hashes using argon2id,
// serialized as PHC strings: $argon2id$v=19$m=65536,t=3,p=1$<salt>$<sum>.
package hash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Params are the argon2id cost parameters baked into newly issued hashes.
// Verification honors whatever parameters the stored PHC string carries, so
// hashes issued under older parameters keep verifying after these are raised;
// a stored hash is not re-issued on login, only when the password is set again.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

// DefaultParams matches current OWASP guidance for argon2id.
var DefaultParams = Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 1,
	SaltLen: 16,
	KeyLen:  32,
}

const (
	phcAlg     = "argon2id"
	phcVersion = 19
)

var errMalformed = errors.New("malformed phc string")

// Password hashes plain with fresh random salt under DefaultParams.
func Password(plain string) (string, error) {
	p := DefaultParams
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(plain), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcAlg, phcVersion, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// Verify re-derives the key from plain using the parameters encoded in phc and
// compares in constant time. Any parse failure verifies false.
func Verify(phc, plain string) bool {
	p, salt, sum, err := parse(phc)
	if err != nil {
		return false
	}
	calc := argon2.IDKey([]byte(plain), salt, p.Time, p.Memory, p.Threads, uint32(len(sum)))
	return subtle.ConstantTimeCompare(calc, sum) == 1
}

func parse(phc string) (Params, []byte, []byte, error) {
	var p Params
	parts := strings.Split(phc, "$")
	// "", alg, v=19, m=..,t=..,p=.., salt, sum
	if len(parts) != 6 || parts[0] != "" || parts[1] != phcAlg {
		return p, nil, nil, errMalformed
	}
	if v, ok := strings.CutPrefix(parts[2], "v="); !ok {
		return p, nil, nil, errMalformed
	} else if n, err := strconv.Atoi(v); err != nil || n != phcVersion {
		return p, nil, nil, errMalformed
	}
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return p, nil, nil, errMalformed
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return p, nil, nil, errMalformed
		}
		switch k {
		case "m":
			p.Memory = uint32(n)
		case "t":
			p.Time = uint32(n)
		case "p":
			if n > 255 {
				return p, nil, nil, errMalformed
			}
			p.Threads = uint8(n)
		}
	}
	if p.Memory == 0 || p.Time == 0 || p.Threads == 0 {
		return p, nil, nil, errMalformed
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, errMalformed
	}
	sum, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(sum) == 0 {
		return p, nil, nil, errMalformed
	}
	return p, salt, sum, nil
}
