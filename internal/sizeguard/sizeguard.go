// Package sizeguard rejects "compressed" output that is not smaller than its input.
package sizeguard

import "fmt"

// Decision is the outcome of Guard. Sizes are in bytes.
type Decision struct {
	Accept    bool
	Original  int
	Candidate int
}

// Guard accepts candidate only when it is strictly smaller than original.
func Guard(original, candidate int) Decision {
	return Decision{
		Accept:    candidate < original,
		Original:  original,
		Candidate: candidate,
	}
}

// Saved is the number of bytes an accepted candidate saves; zero when rejected.
func (d Decision) Saved() int {
	if !d.Accept {
		return 0
	}
	return d.Original - d.Candidate
}

// Ratio is candidate/original, or 0 for an empty original.
func (d Decision) Ratio() float64 {
	if d.Original <= 0 {
		return 0
	}
	return float64(d.Candidate) / float64(d.Original)
}

// FormatSize renders a byte count the way users read file sizes: base 1024,
// at most two decimals, trailing zeros dropped ("1.5 KB", "2 MB").
func FormatSize(n int) string {
	if n <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB"}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	s := fmt.Sprintf("%.2f", v)
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s + " " + units[i]
}

func (d Decision) String() string {
	if d.Accept {
		return fmt.Sprintf("reduced from %s to %s", FormatSize(d.Original), FormatSize(d.Candidate))
	}
	return fmt.Sprintf("optimization skipped: original %s, result %s", FormatSize(d.Original), FormatSize(d.Candidate))
}
