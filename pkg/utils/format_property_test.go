package utils

import (
	"regexp"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// Property 1: VND formatting groups thousands with dots and preserves value
//
// For any whole dong amount, FormatVND should:
// 1. End with the ₫ symbol
// 2. Carry a leading minus only for negative amounts
// 3. Group digits in threes separated by dots
// 4. Preserve the numeric value when the separators are removed
func TestProperty1_VNDFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	grouped := regexp.MustCompile(`^\d{1,3}(\.\d{3})*$`)

	properties.Property("FormatVND groups thousands and round-trips", prop.ForAll(
		func(amount int64) bool {
			formatted := FormatVND(decimal.NewFromInt(amount))

			if !strings.HasSuffix(formatted, " ₫") {
				t.Logf("missing suffix for %d: %s", amount, formatted)
				return false
			}
			body := strings.TrimSuffix(formatted, " ₫")
			if (amount < 0) != strings.HasPrefix(body, "-") {
				t.Logf("sign mismatch for %d: %s", amount, formatted)
				return false
			}
			digits := strings.TrimPrefix(body, "-")
			if !grouped.MatchString(digits) {
				t.Logf("bad grouping for %d: %s", amount, formatted)
				return false
			}

			back, err := decimal.NewFromString(strings.ReplaceAll(body, ".", ""))
			if err != nil {
				return false
			}
			return back.Equal(decimal.NewFromInt(amount))
		},
		gen.Int64Range(-1_000_000_000_000, 1_000_000_000_000),
	))

	properties.TestingRun(t)
}

// Property 2: FormatQuantity agrees with FormatVND grouping
func TestProperty2_QuantityGrouping(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("quantity grouping matches currency grouping", prop.ForAll(
		func(qty int64) bool {
			return FormatQuantity(qty)+" ₫" == FormatVND(decimal.NewFromInt(qty))
		},
		gen.Int64Range(-10_000_000, 10_000_000),
	))

	properties.TestingRun(t)
}
