package telemetry

// Percentage is remaining over nominal capacity, clamped to 0..100, or -1
// when the nominal capacity is unknown.
func (b BmsSnapshot) Percentage() int {
	if b.NominalAh <= 0 {
		return -1
	}
	p := int(b.RemainingAh / b.NominalAh * 100)
	return min(max(p, 0), 100)
}

// MeanCell returns the average cell voltage, or 0 without cells.
func (b BmsSnapshot) MeanCell() float64 {
	if b.CellCount <= 0 {
		return 0
	}
	n := min(b.CellCount, MaxCells)
	var sum float64
	for _, v := range b.Cells[:n] {
		sum += v
	}
	return sum / float64(n)
}

type socPoint struct {
	voltage float64
	soc     float64
}

// liIonCurve is the resting voltage to state-of-charge curve of one cell,
// highest voltage first.
var liIonCurve = []socPoint{
	{4.15, 100},
	{4.10, 90},
	{3.98, 80},
	{3.85, 70},
	{3.80, 60},
	{3.75, 50},
	{3.70, 40},
	{3.65, 30},
	{3.55, 20},
	{3.45, 10},
	{3.30, 5},
	{2.75, 0},
}

// CellSOC estimates state of charge in percent from one cell's voltage by
// interpolating the Li-ion curve.
func CellSOC(v float64) float64 {
	if v >= liIonCurve[0].voltage {
		return 100
	}
	last := liIonCurve[len(liIonCurve)-1]
	if v <= last.voltage {
		return 0
	}
	for i := 0; i < len(liIonCurve)-1; i++ {
		hi, lo := liIonCurve[i], liIonCurve[i+1]
		if v <= hi.voltage && v >= lo.voltage {
			ratio := (v - lo.voltage) / (hi.voltage - lo.voltage)
			return lo.soc + ratio*(hi.soc-lo.soc)
		}
	}
	return 0
}

// EstimatedPercentage prefers the BMS capacity figures and falls back to the
// mean cell voltage. Returns -1 with neither.
func (b BmsSnapshot) EstimatedPercentage() int {
	if p := b.Percentage(); p >= 0 {
		return p
	}
	if mean := b.MeanCell(); mean > 0 {
		return int(CellSOC(mean))
	}
	return -1
}
