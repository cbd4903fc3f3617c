package uncertain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robproject/lre-sendes/pkg/units"
)

const separator = "+/-"

func format(nominal, std float64) string {
	return strconv.FormatFloat(nominal, 'g', -1, 64) + separator + strconv.FormatFloat(std, 'g', -1, 64)
}

// Parse reads "<nominal>+/-<uncertainty>" (also "±", and the "(n+/-s)e-3"
// shared-exponent form) into a new independent variable. Both numbers are in
// unit; Quantity.String output is SI, so pass the SI unit (Quantity.Unit).
func Parse(name, s string, unit units.Unit) (Quantity, error) {
	n, sigma, err := parsePair(s)
	if err != nil {
		return Quantity{}, err
	}
	return New(name, n, sigma, unit), nil
}

func parsePair(s string) (float64, float64, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(s, "±", separator))

	exp := 1.0
	if strings.HasPrefix(raw, "(") {
		closing := strings.LastIndex(raw, ")")
		if closing < 0 {
			return 0, 0, fmt.Errorf("parse %q: unbalanced parenthesis", s)
		}
		if suffix := strings.TrimSpace(raw[closing+1:]); suffix != "" {
			e, err := strconv.ParseFloat("1"+suffix, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("parse %q: bad exponent: %w", s, err)
			}
			exp = e
		}
		raw = raw[1:closing]
	}

	parts := strings.Split(raw, separator)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("parse %q: expected <nominal>%s<uncertainty>", s, separator)
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse %q: nominal: %w", s, err)
	}
	sigma, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse %q: uncertainty: %w", s, err)
	}
	if sigma < 0 {
		return 0, 0, fmt.Errorf("parse %q: negative uncertainty", s)
	}
	return n * exp, sigma * exp, nil
}
