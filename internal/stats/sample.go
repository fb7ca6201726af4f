package stats

// Kind tells the collector how to report a sample.
type Kind uint8

const (
	// Counter values only grow; the collector reports the change since the
	// previous collection.
	Counter Kind = iota
	// Gauge values are reported as they are.
	Gauge
)

// Sample is one named value. Name is relative to the collector prefix.
type Sample struct {
	Name  string
	Kind  Kind
	Value float64
}

// Source produces samples. Implementations append to dst and return it.
type Source interface {
	Samples(dst []Sample) []Sample
}

// SourceFunc adapts a function to Source.
type SourceFunc func(dst []Sample) []Sample

// Samples calls f.
func (f SourceFunc) Samples(dst []Sample) []Sample {
	return f(dst)
}

// CounterSample is shorthand for a counter sample.
func CounterSample(name string, v uint64) Sample {
	return Sample{Name: name, Kind: Counter, Value: float64(v)}
}

// GaugeSample is shorthand for a gauge sample.
func GaugeSample(name string, v float64) Sample {
	return Sample{Name: name, Kind: Gauge, Value: v}
}
