package datasets

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// parseFloat accepts "nan" and empty cells as NaN so that rows with missing
// velocities can be dropped after parsing rather than failing the load.
func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v, nil
}
