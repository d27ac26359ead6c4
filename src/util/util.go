// Package util holds small arithmetic helpers shared across packages, the
// same role the teacher's util package plays for vm and mem.
package util

/// Roundup rounds n up to the next multiple of to.
func Roundup(n, to int) int {
	return (n + to - 1) / to * to
}

/// Rounddown rounds n down to the previous multiple of to.
func Rounddown(n, to int) int {
	return n - n%to
}

/// Min returns the smaller of a and b.
func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

/// Max returns the larger of a and b.
func Max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

/// Ceildiv returns ceil(a / b) for positive a, b.
func Ceildiv(a, b int) int {
	return (a + b - 1) / b
}
