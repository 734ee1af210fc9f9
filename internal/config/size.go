package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseByteSize parses sizes like "1MB", "512KB" or "2048".
func ParseByteSize(size string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(size))
	if upper == "" {
		return 0, fmt.Errorf("size is empty")
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		factor int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.factor
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", size, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive (got %q)", size)
	}
	return value * multiplier, nil
}

// MaxBodyBytes returns service.max_body_size in bytes.
func (c *Config) MaxBodyBytes() int64 {
	n, err := ParseByteSize(c.Service.MaxBodySize)
	if err != nil {
		return 1 << 20
	}
	return n
}
