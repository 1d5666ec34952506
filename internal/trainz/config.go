package trainz

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"

	"golang.org/x/text/encoding/charmap"
)

// ConfigMap is a parsed config.txt block: nested maps and typed values
// (string, domain.Kuid, int, float64, []string).
type ConfigMap map[string]any

// AssetConfig is the parsed config.txt of a content package
type AssetConfig struct {
	Values ConfigMap
}

var (
	floatValue = regexp.MustCompile(`^[-+]?[0-9]*\.[0-9]+$`)
	intValue   = regexp.MustCompile(`^[-+]?\d+$`)
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
)

// ParseConfigFile reads and parses a config.txt file. All failures are
// reported as *domain.ConfigParseError.
func ParseConfigFile(path string) (*AssetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigParseError{Path: path, Err: err}
	}
	cfg, err := ParseConfig(bytes.NewReader(data))
	if err != nil {
		var parseErr *domain.ConfigParseError
		if errors.As(err, &parseErr) {
			parseErr.Path = path
			return nil, parseErr
		}
		return nil, &domain.ConfigParseError{Path: path, Err: err}
	}
	return cfg, nil
}

// ParseConfig parses Trainz config.txt content. Input that is not valid
// UTF-8 is decoded as Windows-1252.
func ParseConfig(r io.Reader) (*AssetConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		data, err = charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("decoding config: %w", err)
		}
	}

	root := make(ConfigMap)
	stack := []ConfigMap{root}
	previousKey := ""
	lineNo := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}

		key, value, hasValue := splitKeyValue(line)
		current := stack[len(stack)-1]

		switch {
		case !hasValue && key == "{":
			if previousKey == "" {
				return nil, &domain.ConfigParseError{Line: lineNo, Err: errors.New("block without a name")}
			}
			stack = append(stack, openBlock(current, previousKey))
			previousKey = ""
		case !hasValue && key == "}":
			if len(stack) == 1 {
				return nil, &domain.ConfigParseError{Line: lineNo, Err: errors.New("unbalanced closing brace")}
			}
			stack = stack[:len(stack)-1]
		case !hasValue:
			previousKey = key
		case value == "{":
			stack = append(stack, openBlock(current, key))
			previousKey = ""
		default:
			v, err := parseValue(value)
			if err != nil {
				return nil, &domain.ConfigParseError{Line: lineNo, Err: fmt.Errorf("key %s: %w", key, err)}
			}
			current[key] = v
			previousKey = key
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return &AssetConfig{Values: root}, nil
}

// splitKeyValue splits a line at the first run of whitespace.
func splitKeyValue(line string) (key, value string, ok bool) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, "", false
	}
	return line[:i], strings.TrimSpace(line[i:]), true
}

func openBlock(parent ConfigMap, name string) ConfigMap {
	if existing, ok := parent[name].(ConfigMap); ok {
		return existing
	}
	block := make(ConfigMap)
	parent[name] = block
	return block
}

func parseValue(value string) (any, error) {
	switch {
	case len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`):
		return value[1 : len(value)-1], nil
	case strings.HasPrefix(value, "<") && strings.HasSuffix(value, ">"):
		return domain.ParseKuid(value)
	case floatValue.MatchString(value):
		return strconv.ParseFloat(value, 64)
	case intValue.MatchString(value):
		n, err := strconv.Atoi(value)
		if err != nil {
			return value, nil
		}
		return n, nil
	case strings.Contains(value, ","):
		return strings.Split(value, ","), nil
	default:
		return value, nil
	}
}

// Get returns the value at a dotted path such as "kuid-table.0".
func (c *AssetConfig) Get(path string) (any, bool) {
	var current any = c.Values
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(ConfigMap)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Kuid returns the package's declared identifier.
func (c *AssetConfig) Kuid() (domain.Kuid, error) {
	switch v := c.Values["kuid"].(type) {
	case domain.Kuid:
		return v, nil
	case string:
		return domain.ParseKuid(v)
	case nil:
		return domain.Kuid{}, errors.New("missing kuid")
	default:
		return domain.Kuid{}, fmt.Errorf("kuid has unexpected type %T", v)
	}
}

// Username returns the display name, falling back from username to name to
// asset-filename. Underscores are shown as spaces.
func (c *AssetConfig) Username() string {
	for _, key := range []string{"username", "name", "asset-filename"} {
		if v, ok := c.Values[key]; ok {
			return strings.ReplaceAll(fmt.Sprint(v), "_", " ")
		}
	}
	return ""
}
