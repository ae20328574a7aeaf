package search

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
)

var (
	ErrNegativePrice     = errors.New("price must not be negative")
	ErrInvalidPriceRange = errors.New("max price is below min price")
	ErrPriceOutOfRange   = errors.New("price is out of range")
)

// FilterState is the canonical filter. Nil fields are absent.
// A MaxPrice of 0 means "no ceiling" and is never sent to the backend.
// Values are never mutated in place; every change produces a new FilterState.
type FilterState struct {
	Address  *string `json:"address,omitempty"`
	MinPrice *int64  `json:"minPrice,omitempty"`
	MaxPrice *int64  `json:"maxPrice,omitempty"`
}

// Partial is a filter suggestion extracted from a conversation.
type Partial struct {
	Address  *string  `json:"address,omitempty"`
	MinPrice *float64 `json:"minPrice,omitempty"`
	MaxPrice *float64 `json:"maxPrice,omitempty"`
}

func (p *Partial) Empty() bool {
	return p == nil || (p.Address == nil && p.MinPrice == nil && p.MaxPrice == nil)
}

func (p *Partial) String() string {
	if p.Empty() {
		return "{}"
	}

	var parts []string
	if p.Address != nil {
		parts = append(parts, fmt.Sprintf("address=%q", *p.Address))
	}
	if p.MinPrice != nil {
		parts = append(parts, fmt.Sprintf("minPrice=%.0f", *p.MinPrice))
	}
	if p.MaxPrice != nil {
		parts = append(parts, fmt.Sprintf("maxPrice=%.0f", *p.MaxPrice))
	}

	return "{" + strings.Join(parts, " ") + "}"
}

// NewFilter builds a validated filter from plain values; zero values mean "any".
func NewFilter(address string, minPrice, maxPrice int64) (FilterState, error) {
	f := FilterState{}.withAddress(strings.TrimSpace(address)).withPrices(&minPrice, &maxPrice)
	if err := f.validate(); err != nil {
		return FilterState{}, err
	}

	return f, nil
}

func (f FilterState) AddressValue() string {
	if f.Address == nil {
		return ""
	}
	return *f.Address
}

func (f FilterState) MinPriceValue() int64 {
	if f.MinPrice == nil {
		return 0
	}
	return *f.MinPrice
}

func (f FilterState) MaxPriceValue() int64 {
	if f.MaxPrice == nil {
		return 0
	}
	return *f.MaxPrice
}

func (f FilterState) withAddress(text string) FilterState {
	if text == "" {
		f.Address = nil
	} else {
		f.Address = &text
	}
	return f
}

func (f FilterState) withPrices(minPrice, maxPrice *int64) FilterState {
	f.MinPrice = minPrice
	f.MaxPrice = maxPrice
	return f
}

func (f FilterState) validate() error {
	minPrice, maxPrice := f.MinPriceValue(), f.MaxPriceValue()

	if minPrice < 0 || maxPrice < 0 {
		return ErrNegativePrice
	}
	if maxPrice > 0 && maxPrice < minPrice {
		return fmt.Errorf("%w: %d < %d", ErrInvalidPriceRange, maxPrice, minPrice)
	}

	return nil
}

// Query converts the filter into the outgoing request.
// Zero bounds are omitted: a zero ceiling is the "unbounded" sentinel and a zero floor bounds nothing.
func (f FilterState) Query() listingapi.Query {
	var query listingapi.Query

	if address := strings.TrimSpace(f.AddressValue()); address != "" {
		query.Address = &address
	}
	if minPrice := f.MinPriceValue(); minPrice > 0 {
		query.MinPrice = &minPrice
	}
	if maxPrice := f.MaxPriceValue(); maxPrice > 0 {
		query.MaxPrice = &maxPrice
	}

	return query
}

func (f FilterState) String() string {
	maxPrice := "any"
	if f.MaxPriceValue() > 0 {
		maxPrice = fmt.Sprint(f.MaxPriceValue())
	}

	return fmt.Sprintf("address=%q min=%d max=%s", f.AddressValue(), f.MinPriceValue(), maxPrice)
}

// PriceFromFloat converts a price that arrived as a JSON number. Fractions are truncated;
// NaN, infinities and values outside int64 are rejected.
func PriceFromFloat(v float64) (int64, error) {
	if math.IsNaN(v) || v >= math.MaxInt64 || v < math.MinInt64 {
		return 0, fmt.Errorf("%w: %v", ErrPriceOutOfRange, v)
	}
	return int64(v), nil
}

// merge overlays the present fields of p. An extracted ceiling of 0 carries no usable
// bound and is replaced by defaultMaxPrice.
func (f FilterState) merge(p Partial, defaultMaxPrice int64) (FilterState, error) {
	if p.Address != nil {
		if address := strings.TrimSpace(*p.Address); address != "" {
			f = f.withAddress(address)
		}
	}

	if p.MinPrice != nil {
		minPrice, err := PriceFromFloat(*p.MinPrice)
		if err != nil {
			return FilterState{}, fmt.Errorf("min price: %w", err)
		}
		f.MinPrice = &minPrice
	}

	if p.MaxPrice != nil {
		maxPrice, err := PriceFromFloat(*p.MaxPrice)
		if err != nil {
			return FilterState{}, fmt.Errorf("max price: %w", err)
		}
		if maxPrice == 0 {
			maxPrice = defaultMaxPrice
		}
		f.MaxPrice = &maxPrice
	}

	return f, nil
}

func (f FilterState) clone() FilterState {
	return FilterState{
		Address:  clonePtr(f.Address),
		MinPrice: clonePtr(f.MinPrice),
		MaxPrice: clonePtr(f.MaxPrice),
	}
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
