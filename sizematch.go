package mediarelay

const (
	kib = 1024
	mib = 1024 * kib
)

// IsSizeMatch reports whether two byte sizes are equal within a tolerance
// that grows with the file: under 1 MiB they may differ by less than 10 KiB,
// under 100 MiB by less than 1 MiB, above that by less than 10 MiB.
func IsSizeMatch(a, b int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	switch m := max(a, b); {
	case m < mib:
		return diff < 10*kib
	case m < 100*mib:
		return diff < mib
	default:
		return diff < 10*mib
	}
}
