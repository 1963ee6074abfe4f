package optimization

import "fmt"

// TrackingErrorFunc is the closed set of tracking-error metrics. The choice
// is resolved once at construction; an unrecognized name is a configuration
// error, not a runtime fallback.
type TrackingErrorFunc int

const (
	// LeastSquared is the mean squared scaled daily return deviation.
	LeastSquared TrackingErrorFunc = iota
	// VarTrackingDiff is the variance of the scaled deviation series.
	VarTrackingDiff
)

func (f TrackingErrorFunc) String() string {
	switch f {
	case LeastSquared:
		return "least_squared"
	case VarTrackingDiff:
		return "var_tracking_diff"
	default:
		return fmt.Sprintf("TrackingErrorFunc(%d)", int(f))
	}
}

// TrackingErrorFuncFromString resolves a configured metric name.
func TrackingErrorFuncFromString(name string) (TrackingErrorFunc, error) {
	switch name {
	case "least_squared":
		return LeastSquared, nil
	case "var_tracking_diff":
		return VarTrackingDiff, nil
	default:
		return 0, fmt.Errorf("unrecognized tracking error func: %q", name)
	}
}

// value computes the metric for the deviation series between index returns
// and the weighted component returns, scaled by 100 like the rest of the
// scoring pipeline.
func (f TrackingErrorFunc) value(diffs []float64) float64 {
	n := float64(len(diffs))
	if n == 0 {
		return 0
	}

	switch f {
	case LeastSquared:
		sum := 0.0
		for _, d := range diffs {
			sum += d * d
		}
		return sum / n
	case VarTrackingDiff:
		mean := 0.0
		for _, d := range diffs {
			mean += d
		}
		mean /= n
		variance := 0.0
		for _, d := range diffs {
			dev := d - mean
			variance += dev * dev
		}
		return variance / n
	default:
		return 0
	}
}
