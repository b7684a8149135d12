package lookup

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/model"
)

// amountPattern matches one amount in a bucket label: "$10M", "1,000",
// "1.5b", "500k", "$500 thousand". A magnitude must end at a word boundary
// so the first letter of a following word ("to", "thousand") is never read
// as one.
var amountPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)*)\s*(thousand|million|billion|trillion|mm|bn|k|m|b|t)?\b`)

var magnitudes = map[string]float64{
	"":         1,
	"k":        1e3,
	"thousand": 1e3,
	"m":        1e6,
	"mm":       1e6,
	"million":  1e6,
	"b":        1e9,
	"bn":       1e9,
	"billion":  1e9,
	"t":        1e12,
	"trillion": 1e12,
}

// UpperBound returns the upper bound of a revenue or funding bucket label.
// Labels resolve to their last amount: "$1M-$10M" and "Under $10M" both
// give 10000000. An open-ended top bucket such as "$1B+" has no upper bound
// and resolves to its lower bound.
func UpperBound(label string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(label))
	matches := amountPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, eris.Errorf("lookup: no amount in bucket %q", label)
	}
	last := matches[len(matches)-1]
	digits := strings.ReplaceAll(last[1], ",", "")
	n, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "lookup: parse amount in bucket %q", label)
	}
	return int64(math.Round(n * magnitudes[last[2]])), nil
}

// UpperBoundString is UpperBound rendered as the canonical string value.
func UpperBoundString(label string) (string, error) {
	n, err := UpperBound(label)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

// IsBucketDimension reports whether canonical values of dim are bucket
// upper bounds.
func IsBucketDimension(dim model.Dimension) bool {
	return dim == model.DimRevenue || dim == model.DimFunding
}
