//go:build property
// +build property

package policy

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestEvaluateProperties(t *testing.T) {
	c, err := Compile([]byte(paymentSource))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("inputs matching no rule are denied with the default reason", prop.ForAll(
		func(provider, method string, amount float64) bool {
			if provider == "stripe" {
				return true
			}
			out, err := c.Evaluate(ctx, &Input{
				Action: InputAction{
					Provider:   provider,
					Method:     method,
					Parameters: map[string]any{"amount": amount},
				},
			})
			return err == nil && !out.Approved && out.DenialReason == DefaultDenyReason
		},
		gen.AlphaString(), gen.AlphaString(), gen.Float64Range(0, 1e9),
	))

	properties.Property("decisions are deterministic for a fixed input", prop.ForAll(
		func(amount float64) bool {
			in := &Input{
				Action: InputAction{
					Provider:   "stripe",
					Method:     "create_payment",
					Parameters: map[string]any{"amount": amount},
				},
			}
			first, err := c.Evaluate(ctx, in)
			if err != nil {
				return false
			}
			second, err := c.Evaluate(ctx, in)
			if err != nil {
				return false
			}
			return first.Approved == second.Approved && first.DenialReason == second.DenialReason
		},
		gen.Float64Range(0, 1e9),
	))

	properties.Property("approval implies the amount was within bounds", prop.ForAll(
		func(amount float64) bool {
			out, err := c.Evaluate(ctx, &Input{
				Action: InputAction{
					Provider:   "stripe",
					Method:     "create_payment",
					Parameters: map[string]any{"amount": amount},
				},
			})
			if err != nil {
				return false
			}
			if out.Approved {
				return amount >= 0 && amount <= 5000
			}
			return true
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}
