package types

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flag is a boolean carried as a SQL bit. It decodes true/false, 0/1 (bare or
// quoted) and null, and always encodes as 0 or 1.
type Flag bool

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (f *Flag) UnmarshalJSON(data []byte) error {
	v, err := parseFlag(strings.Trim(strings.TrimSpace(string(data)), `"`))
	if err != nil {
		return err
	}
	*f = Flag(v)
	return nil
}

func (f *Flag) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseFlag(node.Value)
	if err != nil {
		return err
	}
	*f = Flag(v)
	return nil
}

func parseFlag(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "null", "false", "no", "off":
		return false, nil
	case "true", "yes", "on":
		return true, nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, fmt.Errorf("invalid flag value %q", s)
	}
	return n != 0, nil
}
