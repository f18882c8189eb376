package metrics

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

var decimalContext = func() *apd.Context {
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfUp
	return ctx
}()

// decimal sums money and scores without binary float drift.
type decimal struct {
	value apd.Decimal
}

func decimalFromFloat(f float64) (decimal, error) {
	var d decimal
	if _, err := d.value.SetFloat64(f); err != nil {
		return decimal{}, fmt.Errorf("invalid decimal %v: %w", f, err)
	}
	return d, nil
}

func decimalFromInt(i int64) decimal {
	var d decimal
	d.value.SetInt64(i)
	return d
}

func (d decimal) Add(other decimal) decimal {
	var result decimal
	decimalContext.Add(&result.value, &d.value, &other.value)
	return result
}

// Quo returns d / other; callers guard against a zero divisor.
func (d decimal) Quo(other decimal) decimal {
	var result decimal
	decimalContext.Quo(&result.value, &d.value, &other.value)
	return result
}

// Round returns d rounded half-up to places decimal digits.
func (d decimal) Round(places int32) (float64, error) {
	var rounded apd.Decimal
	if _, err := decimalContext.Quantize(&rounded, &d.value, -places); err != nil {
		return 0, fmt.Errorf("round %s to %d places: %w", d.value.String(), places, err)
	}
	f, err := rounded.Float64()
	if err != nil {
		return 0, fmt.Errorf("convert %s to float: %w", rounded.String(), err)
	}
	return f, nil
}

// sumMap accumulates decimals per key.
type sumMap map[string]decimal

func (m sumMap) add(key string, v decimal) {
	m[key] = m[key].Add(v)
}

func (m sumMap) rounded(places int32) (map[string]float64, error) {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		f, err := v.Round(places)
		if err != nil {
			return nil, err
		}
		out[k] = f
	}
	return out, nil
}
