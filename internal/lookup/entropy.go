package lookup

import "math"

// ShannonEntropy measures the randomness of a string in bits per character:
// -sum(p * log2(p)) over character frequencies. "john.doe" sits well under 3;
// machine-generated local-parts trend higher.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}

	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}

	entropy := 0.0
	for _, n := range freq {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
