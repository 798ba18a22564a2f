// Package engine evaluates dice expressions for the rules engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ErrInvalidExpression indicates a dice expression could not be parsed.
var ErrInvalidExpression = errors.New("invalid dice expression")

// Limits on a single term. Larger pools are rejected as invalid.
const (
	MaxDice  = 1000
	MaxSides = 1000
)

var (
	termRe = regexp.MustCompile(`^(\d*)D(\d+)$`)
	intRe  = regexp.MustCompile(`^\d+$`)
)

// Source is the randomness behind every roll.
// Intn returns a value in [0, n).
type Source interface {
	Intn(n int) int
}

// Roll is the outcome of one expression evaluation.
type Roll struct {
	Expression string `json:"expression"`
	Total      int    `json:"total"`
	Results    []int  `json:"results"`
}

// Roller evaluates dice expressions. Each call is an independent draw.
type Roller interface {
	Evaluate(ctx context.Context, expr string) (Roll, error)
}

// Dice is the default Roller.
type Dice struct {
	mu  sync.Mutex
	src Source
}

// NewDice returns a roller drawing from src.
func NewDice(src Source) *Dice {
	return &Dice{src: src}
}

// NewRandomDice returns a roller seeded from crypto/rand.
func NewRandomDice() (*Dice, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, err
	}
	return NewDice(rand.New(rand.NewSource(seed))), nil
}

// Evaluate supports: N, NdM, dM, sums and differences of those
// (2D6+1, D3+D3-1) and a trailing multiplier (D3x2, 2D6*3).
// Totals below zero are clamped to zero.
func (d *Dice) Evaluate(ctx context.Context, expr string) (Roll, error) {
	if err := ctx.Err(); err != nil {
		return Roll{}, err
	}
	s := strings.ToUpper(strings.Join(strings.Fields(expr), ""))
	if s == "" {
		return Roll{}, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	mult := 1
	if i := strings.LastIndexAny(s, "X*"); i >= 0 {
		k, err := strconv.Atoi(s[i+1:])
		if err != nil || i == 0 || k < 0 || k > MaxDice {
			return Roll{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
		}
		mult = k
		s = s[:i]
	}
	terms, err := splitTerms(s)
	if err != nil {
		return Roll{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}

	out := Roll{Expression: strings.TrimSpace(expr)}
	total := 0
	for _, t := range terms {
		v, faces, err := d.term(t.body)
		if err != nil {
			return Roll{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
		}
		out.Results = append(out.Results, faces...)
		if len(out.Results) > MaxDice {
			return Roll{}, fmt.Errorf("%w: %q rolls more than %d dice", ErrInvalidExpression, expr, MaxDice)
		}
		total += t.sign * v
	}
	total *= mult
	if total < 0 {
		total = 0
	}
	out.Total = total
	return out, nil
}

type signedTerm struct {
	sign int
	body string
}

func splitTerms(s string) ([]signedTerm, error) {
	var terms []signedTerm
	sign := 1
	start := 0
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != '+' && s[i] != '-' {
			continue
		}
		body := s[start:i]
		if body == "" {
			// a leading sign is allowed, a dangling or doubled one is not
			if i != 0 || i == len(s) {
				return nil, ErrInvalidExpression
			}
		} else {
			terms = append(terms, signedTerm{sign: sign, body: body})
		}
		if i < len(s) && s[i] == '-' {
			sign = -1
		} else {
			sign = 1
		}
		start = i + 1
	}
	if len(terms) == 0 {
		return nil, ErrInvalidExpression
	}
	return terms, nil
}

func (d *Dice) term(body string) (int, []int, error) {
	if intRe.MatchString(body) {
		n, err := strconv.Atoi(body)
		return n, nil, err
	}
	m := termRe.FindStringSubmatch(body)
	if m == nil {
		return 0, nil, ErrInvalidExpression
	}
	count := 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, nil, ErrInvalidExpression
		}
		count = n
	}
	sides, err := strconv.Atoi(m[2])
	if err != nil || count <= 0 || sides <= 0 {
		return 0, nil, ErrInvalidExpression
	}
	if count > MaxDice || sides > MaxSides {
		return 0, nil, fmt.Errorf("%w: %dD%d exceeds %d dice of %d sides", ErrInvalidExpression, count, sides, MaxDice, MaxSides)
	}
	faces := make([]int, count)
	total := 0
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range faces {
		faces[i] = 1 + d.src.Intn(sides)
		total += faces[i]
	}
	return total, faces, nil
}

// Fixed reports whether expr is a plain integer and returns it.
func Fixed(expr string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(expr))
	if err != nil {
		return 0, false
	}
	return n, true
}

// RollD6 rolls n six-sided dice and returns the individual faces.
func RollD6(ctx context.Context, r Roller, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > MaxDice {
		return nil, fmt.Errorf("%w: %d dice exceeds %d", ErrInvalidExpression, n, MaxDice)
	}
	roll, err := r.Evaluate(ctx, fmt.Sprintf("%dd6", n))
	if err != nil {
		return nil, err
	}
	return roll.Results, nil
}
