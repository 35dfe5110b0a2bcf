package model

import (
	"encoding/json"
	"fmt"
)

// Dimension is one independent axis of the market signal.
type Dimension int

const (
	DimTechnical Dimension = iota
	DimMomentum
	DimVolume
	DimSentiment
	DimOnChain

	NumDimensions = 5
)

var dimensionNames = [NumDimensions]string{
	DimTechnical: "technical",
	DimMomentum:  "momentum",
	DimVolume:    "volume",
	DimSentiment: "sentiment",
	DimOnChain:   "onchain",
}

func (d Dimension) String() string {
	if d < 0 || int(d) >= NumDimensions {
		return fmt.Sprintf("dimension(%d)", int(d))
	}
	return dimensionNames[d]
}

// ParseDimension resolves a dimension by its name.
func ParseDimension(name string) (Dimension, error) {
	for i, n := range dimensionNames {
		if n == name {
			return Dimension(i), nil
		}
	}
	return 0, fmt.Errorf("model: unknown dimension %q", name)
}

// Vector holds one value per dimension, indexed by Dimension.
type Vector [NumDimensions]float64

// Sum returns the sum of all components.
func (v Vector) Sum() float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}

// MarshalJSON encodes the vector as a name → value object.
func (v Vector) MarshalJSON() ([]byte, error) {
	m := make(map[string]float64, NumDimensions)
	for i, x := range v {
		m[dimensionNames[i]] = x
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a name → value object. Unknown names are rejected,
// missing names stay zero.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	var out Vector
	for name, x := range m {
		d, err := ParseDimension(name)
		if err != nil {
			return err
		}
		out[d] = x
	}
	*v = out
	return nil
}
