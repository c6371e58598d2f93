package usage

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout renders the report date, e.g. "Mon Oct 19 2026".
const DateLayout = "Mon Jan 02 2006"

var tableHeader = []string{"Products", "Purchased", "Used", "%"}

const tableSeparator = "|---|---|---|---|"

// Format renders a report as markdown lines: a title, the date, and a table
// with one row per product category.
//
// When exactly one category is not applicable (never purchased, zero used)
// its row is left out. With two or more such categories every row is kept.
func Format(r *Report, date time.Time) []string {
	lines := []string{
		"\n### Opportunity: " + r.ProductName,
		"#### Today's Date: " + date.Format(DateLayout) + "\n",
		joinColumns(tableHeader),
		tableSeparator,
	}

	categories := r.Categories()
	skip := -1
	for i, c := range categories {
		if !c.NotApplicable() {
			continue
		}
		if skip >= 0 {
			skip = -1
			break
		}
		skip = i
	}

	for i, c := range categories {
		if i == skip {
			continue
		}
		lines = append(lines, joinColumns([]string{
			c.Name,
			formatCount(c.Purchased),
			formatCount(c.Used),
			formatPercent(c.PercentUsed),
		}))
	}

	return lines
}

// Comment renders reports as a single comment body, one block per report in
// the given order.
func Comment(reports []Report, date time.Time) string {
	blocks := make([]string, 0, len(reports))
	for i := range reports {
		blocks = append(blocks, strings.Join(Format(&reports[i], date), "\n"))
	}
	return strings.Join(blocks, "\n")
}

// ErrorComment renders the comment posted when a report cannot be produced.
func ErrorComment(message string) string {
	return "Uh Oh! I have a problem!\n\n" + message + "\n"
}

func joinColumns(cols []string) string {
	return "|" + strings.Join(cols, " | ") + "|"
}

func formatCount(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

// formatPercent rounds half up to a whole percent. A missing value is 0%.
func formatPercent(p *float64) string {
	var rounded float64
	if p != nil {
		rounded = math.Floor(*p + 0.5)
	}
	if rounded == 0 {
		rounded = 0 // no "-0%"
	}
	return strconv.FormatFloat(rounded, 'f', 0, 64) + "%"
}
