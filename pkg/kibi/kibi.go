package kibi

// Package kibi formats and parses byte sizes with binary multipliers, eg "512 MB"

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var digitRegex = regexp.MustCompile(`^\d+`)
var ErrInvalidByteSizeString = fmt.Errorf("Invalid byte size string")

var units = []string{"KB", "MB", "GB", "TB", "PB"}

func FormatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%v bytes", b)
	}
	i := 0
	b /= 1024
	for b >= 1024 && i < len(units)-1 {
		b /= 1024
		i++
	}
	return fmt.Sprintf("%v %v", b, units[i])
}

// We support suffixes 'mb', 'kb', 'gb', etc.
// We also support suffixes of just the letter, eg 'm', 'g', etc.
// Examples:
// 123 m -> 123*1024*1024
// 123 mb -> 123*1024*1024
// 123 GB -> 123*1024*1024*1024
func ParseBytes(v string) (int64, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	digits := digitRegex.FindString(v)
	if digits == "" {
		return 0, ErrInvalidByteSizeString
	}
	suffix := strings.TrimSpace(v[len(digits):])
	multiplier := int64(1)
	if suffix != "" && suffix != "bytes" {
		found := false
		for i, u := range units {
			u = strings.ToLower(u)
			if suffix == u || suffix == u[:1] {
				multiplier = int64(1) << (10 * (i + 1))
				found = true
				break
			}
		}
		if !found {
			return 0, ErrInvalidByteSizeString
		}
	}
	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, err
	}
	return value * multiplier, nil
}

// Size is a byte count that can be written in config files as either a number or
// a string such as "512mb".
type Size int64

func (s Size) String() string {
	return FormatBytes(int64(s))
}

func (s *Size) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidByteSizeString, string(b))
	}
	return s.Set(str)
}

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(s))
}

// Set parses str into s
func (s *Size) Set(str string) error {
	n, err := ParseBytes(str)
	if err != nil {
		return fmt.Errorf("%w: %v", err, str)
	}
	*s = Size(n)
	return nil
}
