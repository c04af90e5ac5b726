// Package pagerange turns user-authored page selections such as "1-3, 5"
// into zero-based page indices.
package pagerange

import (
	"errors"
	"strings"
)

// ErrEmpty is returned when an expression selects no page of the document.
var ErrEmpty = errors.New("page range selects no pages")

// Selection is an ordered list of zero-based page indices without duplicates.
type Selection []int

// Parse reads a comma-separated list of 1-based page numbers and ranges.
//
// Tokens that do not start with a number are skipped, as are pages outside
// [1, pageCount]. Ranges expand in ascending order; a page already selected
// by an earlier token is not repeated. The only error is ErrEmpty.
func Parse(expr string, pageCount int) (Selection, error) {
	sel := Selection{}
	seen := make(map[int]struct{})
	add := func(n int) {
		if n < 1 || n > pageCount {
			return
		}
		if _, ok := seen[n-1]; ok {
			return
		}
		seen[n-1] = struct{}{}
		sel = append(sel, n-1)
	}

	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.Split(part, "-")
			start, ok1 := leadingInt(bounds[0])
			end, ok2 := leadingInt(bounds[1])
			if !ok1 || !ok2 {
				continue
			}
			// clamp so a huge end bound does not spin through pages that can't exist
			if start < 1 {
				start = 1
			}
			if end > pageCount {
				end = pageCount
			}
			for i := start; i <= end; i++ {
				add(i)
			}
			continue
		}
		if n, ok := leadingInt(part); ok {
			add(n)
		}
	}

	if len(sel) == 0 {
		return nil, ErrEmpty
	}
	return sel, nil
}

// leadingInt parses the decimal digits at the start of s (after optional
// whitespace and sign), ignoring anything that follows: "12abc" is 12.
func leadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	n, digits := 0, 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		if n > 1<<30 {
			// saturate; any such page is out of range anyway
			digits++
			continue
		}
		n = n*10 + int(r-'0')
		digits++
	}
	if digits == 0 {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}
