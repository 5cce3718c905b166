package model

// Precision is the inference precision an accelerator runs a model at.
type Precision string

const (
	// PrecisionAccuracy keeps the precision the model was exported with.
	PrecisionAccuracy Precision = "ACCURACY"
	PrecisionFP32     Precision = "FP32"
	PrecisionFP16     Precision = "FP16"
)

// Valid reports whether p is empty or a known precision.
func (p Precision) Valid() bool {
	switch p {
	case "", PrecisionAccuracy, PrecisionFP32, PrecisionFP16:
		return true
	}
	return false
}
