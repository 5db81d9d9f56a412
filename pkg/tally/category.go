package tally

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Category is one of the fixed classes that we count.
// "krank" is the diseased variant of each bone region.
type Category int

const (
	UlnuaKrank Category = iota
	UlnoaKrank
	MeduaKrank
	MedoaKrank
	Ulnua
	Ulnoa
	Medua
	Medoa
	NumCategories int = iota
)

// NoDetection is the label of a unit in which the model found nothing
const NoDetection = "no detection"

// Categories in declaration order. The chart legend and colours follow this order.
var Categories = [NumCategories]Category{UlnuaKrank, UlnoaKrank, MeduaKrank, MedoaKrank, Ulnua, Ulnoa, Medua, Medoa}

var categoryNames = [NumCategories]string{
	"ulnua_krank",
	"ulnoa_krank",
	"medua_krank",
	"medoa_krank",
	"ulnua",
	"ulnoa",
	"medua",
	"medoa",
}

var nameToCategory map[string]Category

func init() {
	nameToCategory = make(map[string]Category, NumCategories)
	for i, name := range categoryNames {
		nameToCategory[name] = Category(i)
	}
}

func (c Category) String() string {
	if c < 0 || int(c) >= NumCategories {
		return "Category(" + strconv.Itoa(int(c)) + ")"
	}
	return categoryNames[c]
}

// ParseCategory is an exact match against the fixed set
func ParseCategory(label string) (Category, bool) {
	c, ok := nameToCategory[label]
	return c, ok
}

// CategoryNames returns the names of all categories, in declaration order
func CategoryNames() []string {
	return categoryNames[:]
}

// ClassCounts holds a count for every category. The zero value is all zeros.
type ClassCounts struct {
	counts [NumCategories]int
}

func (c *ClassCounts) Get(cat Category) int {
	return c.counts[cat]
}

func (c *ClassCounts) increment(cat Category) {
	c.counts[cat]++
}

// Total is the sum over all categories
func (c *ClassCounts) Total() int {
	total := 0
	for _, v := range c.counts {
		total += v
	}
	return total
}

// Map returns the counts keyed by category name
func (c *ClassCounts) Map() map[string]int {
	m := make(map[string]int, NumCategories)
	for i, v := range c.counts {
		m[categoryNames[i]] = v
	}
	return m
}

// Validate returns a *ContractViolation if any count is negative.
// Counts produced by Aggregate are always valid.
func (c *ClassCounts) Validate() error {
	for i, v := range c.counts {
		if v < 0 {
			return &ContractViolation{Reason: fmt.Sprintf("count for %v is negative (%v)", categoryNames[i], v)}
		}
	}
	return nil
}

// CountsFromMap builds ClassCounts from a name-keyed map.
// The map must hold exactly the fixed categories, with non-negative values.
func CountsFromMap(m map[string]int) (ClassCounts, error) {
	c := ClassCounts{}
	for name, v := range m {
		cat, ok := ParseCategory(name)
		if !ok {
			return ClassCounts{}, &ContractViolation{Reason: fmt.Sprintf("unknown category %q", name)}
		}
		c.counts[cat] = v
	}
	if len(m) != NumCategories {
		for i, name := range categoryNames {
			if _, ok := m[name]; !ok {
				return ClassCounts{}, &ContractViolation{Reason: fmt.Sprintf("missing category %q", categoryNames[i])}
			}
		}
	}
	if err := c.Validate(); err != nil {
		return ClassCounts{}, err
	}
	return c, nil
}

// MarshalJSON writes all categories, in declaration order
func (c ClassCounts) MarshalJSON() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte('{')
	for i, v := range c.counts {
		if i != 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(categoryNames[i]))
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(v))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *ClassCounts) UnmarshalJSON(b []byte) error {
	m := map[string]int{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	parsed, err := CountsFromMap(m)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
