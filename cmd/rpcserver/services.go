package main

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Calculator is registered as "calculator".
type Calculator struct{}

func (c *Calculator) Add(a, b int) int {
	return a + b
}

func (c *Calculator) Multiply(a, b int) int {
	return a * b
}

func (c *Calculator) Divide(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

// Echo is registered as "echo".
type Echo struct{}

func (e *Echo) Echo(s string) string {
	return s
}

func (e *Echo) Upper(s string) string {
	return strings.ToUpper(s)
}

// Sleep waits for ms milliseconds, or until the call is abandoned.
func (e *Echo) Sleep(ctx context.Context, ms int) (int, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ms, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
