// Package solver reads captcha images. An empty result means the image
// could not be read; callers retry with a fresh challenge.
package solver

import (
	"context"
	"strings"
	"unicode"
)

// Solver turns a captcha image into its code.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Func adapts an ordinary function to Solver.
type Func func(ctx context.Context, image []byte) (string, error)

// Solve calls f.
func (f Func) Solve(ctx context.Context, image []byte) (string, error) { return f(ctx, image) }

// normalize keeps ASCII letters and digits.
func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, s)
}
