package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"swiftbots/internal/depends"
	"swiftbots/internal/dispatch"
)

var errDivisionByZero = errors.New("division by zero")

// Calculator answers "add", "mul" and "div" over whitespace separated
// numbers.
func Calculator() dispatch.Controller {
	return dispatch.Controller{
		Name: "calc",
		Commands: []dispatch.Command{
			{Name: "add", Handler: arithmetic(func(acc, x float64) (float64, error) { return acc + x, nil })},
			{Name: "mul", Handler: arithmetic(func(acc, x float64) (float64, error) { return acc * x, nil })},
			{Name: "div", Handler: arithmetic(func(acc, x float64) (float64, error) {
				if x == 0 {
					return 0, errDivisionByZero
				}
				return acc / x, nil
			})},
		},
	}
}

func arithmetic(op func(acc, x float64) (float64, error)) dispatch.Handler {
	return dispatch.Handle(func(ctx context.Context, a depends.Args) error {
		fields := strings.Fields(a.String(dispatch.ValueArguments))
		if len(fields) < 2 {
			return replyf(ctx, a, "usage: %s <number> <number> [...]", a.String(dispatch.ValueCommand))
		}
		nums := make([]float64, len(fields))
		for i, f := range fields {
			n, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return replyf(ctx, a, "%q is not a number", f)
			}
			nums[i] = n
		}
		acc := nums[0]
		for _, n := range nums[1:] {
			var err error
			if acc, err = op(acc, n); err != nil {
				return err
			}
		}
		return reply(ctx, a, strconv.FormatFloat(acc, 'g', -1, 64))
	}, needs(dispatch.ValueArguments, dispatch.ValueCommand)...)
}
