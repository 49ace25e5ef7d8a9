package ml

import "math"

// Scaler standardizes feature vectors to zero mean and unit variance,
// column-wise. A column with zero variance passes through unshifted scale
// so constant features do not blow up.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes per-column mean and population std from training rows.
// All rows must share the same width.
func FitScaler(data [][]float64) *Scaler {
	if len(data) == 0 {
		return &Scaler{}
	}
	dim := len(data[0])
	mean := make([]float64, dim)
	std := make([]float64, dim)

	for _, row := range data {
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(data))
	for j := range mean {
		mean[j] /= n
	}
	for _, row := range data {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
	}
	return &Scaler{Mean: mean, Std: std}
}

// Transform standardizes one row. The input is not modified.
func (s *Scaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		if j >= len(s.Mean) {
			out[j] = v
			continue
		}
		d := v - s.Mean[j]
		if s.Std[j] > 0 {
			d /= s.Std[j]
		}
		out[j] = d
	}
	return out
}

// TransformAll standardizes every row.
func (s *Scaler) TransformAll(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = s.Transform(row)
	}
	return out
}
