package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var kuidPattern = regexp.MustCompile(`(?i)^(?:kuid:-?\d+:\d+|kuid2:-?\d+:\d+:\d+|null)$`)

// ScriptsKuid identifies the shared scripts package, which is unpacked into
// the install directory instead of going through the content tool.
var ScriptsKuid = MustParseKuid("kuid:1041339:100113")

// Kuid is a normalized Trainz content identifier.
type Kuid struct {
	value string
}

// ParseKuid validates s and returns its normalized form. One pair of
// surrounding angle brackets is stripped and the result is lowercased.
func ParseKuid(s string) (Kuid, error) {
	v := strings.TrimSpace(s)
	if strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">") {
		v = v[1 : len(v)-1]
	}
	if !kuidPattern.MatchString(v) {
		return Kuid{}, fmt.Errorf("%w: %q", ErrInvalidKuid, s)
	}
	return Kuid{value: strings.ToLower(v)}, nil
}

// MustParseKuid is ParseKuid for constants; it panics on invalid input.
func MustParseKuid(s string) Kuid {
	k, err := ParseKuid(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Kuid) String() string { return k.value }

// Bracketed returns the <kuid:...> form used by the content tool.
func (k Kuid) Bracketed() string { return "<" + k.value + ">" }

// IsZero reports whether k was never parsed.
func (k Kuid) IsZero() bool { return k.value == "" }

func (k Kuid) MarshalText() ([]byte, error) {
	return []byte(k.value), nil
}

func (k *Kuid) UnmarshalText(text []byte) error {
	parsed, err := ParseKuid(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
