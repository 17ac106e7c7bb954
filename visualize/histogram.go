package visualize

import (
	"fmt"
	"sort"
	"strings"
)

// Histogram draws the largest entries of a distribution
// as text bars, one line per entry.
func Histogram(values []float64, maxEntries, width int) []string {
	indices := make([]int, len(values))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return values[indices[i]] > values[indices[j]]
	})
	if len(indices) > maxEntries {
		indices = indices[:maxEntries]
	}
	var maxVal float64
	for _, i := range indices {
		maxVal = max(maxVal, values[i])
	}
	var lines []string
	for _, i := range indices {
		n := 0
		if maxVal > 0 {
			n = int(values[i]/maxVal*float64(width) + 0.5)
		}
		lines = append(lines, fmt.Sprintf("%4d %-*s %.4f", i, width,
			strings.Repeat("#", n), values[i]))
	}
	return lines
}
