// Package pricing quotes a delivery price and duration from the per-method
// rate table.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/courier-dispatch/internal/eta"
	"github.com/example/courier-dispatch/internal/models"
)

type Rate struct {
	Base     float64 `yaml:"base"`
	PerKm    float64 `yaml:"perKm"`
	Minimum  float64 `yaml:"minimum"`
	SpeedKmh float64 `yaml:"speedKmh"`
}

type Table struct {
	Currency string                 `yaml:"currency"`
	Methods  map[models.Method]Rate `yaml:"methods"`
}

// DefaultTable is used when no table file is configured. Amounts are in
// whole XOF.
func DefaultTable() Table {
	return Table{
		Currency: "xof",
		Methods: map[models.Method]Rate{
			models.MethodTwoWheeler: {Base: 500, PerKm: 150, Minimum: 1000, SpeedKmh: 25},
			models.MethodCar:        {Base: 1000, PerKm: 250, Minimum: 2000, SpeedKmh: 30},
			models.MethodCargo:      {Base: 2000, PerKm: 400, Minimum: 4000, SpeedKmh: 22},
		},
	}
}

// LoadTable reads a YAML rate table.
func LoadTable(path string) (Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read price table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Table{}, fmt.Errorf("parse price table: %w", err)
	}
	return t, t.Validate()
}

func (t Table) Validate() error {
	var errs []error
	if len(t.Methods) == 0 {
		errs = append(errs, errors.New("price table has no methods"))
	}
	for m, r := range t.Methods {
		if !m.Valid() {
			errs = append(errs, fmt.Errorf("unknown method %q", m))
		}
		if r.PerKm < 0 || r.Base < 0 || r.Minimum < 0 {
			errs = append(errs, fmt.Errorf("method %s: negative rate", m))
		}
		if r.SpeedKmh <= 0 {
			errs = append(errs, fmt.Errorf("method %s: speedKmh must be > 0", m))
		}
	}
	return errors.Join(errs...)
}

type Quote struct {
	Price            float64
	EstimatedMinutes float64
}

type Quoter struct {
	Table Table
	ETA   *eta.Estimator
}

func NewQuoter(t Table, est *eta.Estimator) *Quoter {
	if est == nil {
		est = &eta.Estimator{}
	}
	return &Quoter{Table: t, ETA: est}
}

// Quote prices a trip of distanceKm and estimates its duration between the
// two points at the method's speed.
func (q *Quoter) Quote(ctx context.Context, method models.Method, from, to models.Coord, distanceKm float64) (Quote, error) {
	r, ok := q.Table.Methods[method]
	if !ok {
		return Quote{}, fmt.Errorf("no rate for method %q", method)
	}
	price := math.Max(r.Minimum, r.Base+r.PerKm*distanceKm)
	secs := q.ETA.Seconds(ctx, method, from, to, r.SpeedKmh/3.6)
	return Quote{
		Price:            math.Round(price),
		EstimatedMinutes: math.Ceil(secs / 60),
	}, nil
}
