package engine

import (
	"slices"

	iface "WeaponDetClient/interface"
)

// Aggregation maps each detected class to its statistics. Classes keep first-seen order
// for stable display; the order carries no meaning.
type Aggregation struct {
	order []string
	stats map[string]*iface.ClassStats
}

func newAggregation() *Aggregation {
	return &Aggregation{stats: make(map[string]*iface.ClassStats)}
}

func (a *Aggregation) entry(class string) *iface.ClassStats {
	s, ok := a.stats[class]
	if !ok {
		s = &iface.ClassStats{ClassName: class}
		a.stats[class] = s
		a.order = append(a.order, class)
	}
	return s
}

// Aggregate folds detections into per-class statistics in a single pass.
func Aggregate(detections []iface.Detection) *Aggregation {
	a := newAggregation()
	frames := make(map[string]map[int]struct{})
	for _, d := range detections {
		s := a.entry(d.Class)
		s.Count++
		s.TotalConfidence += d.Confidence
		s.HasTotal = true
		if d.Confidence > s.MaxConfidence {
			s.MaxConfidence = d.Confidence
		}
		if d.Frame < 0 {
			continue
		}
		set, ok := frames[d.Class]
		if !ok {
			set = make(map[int]struct{})
			frames[d.Class] = set
		}
		set[d.Frame] = struct{}{}
	}
	for class, set := range frames {
		s := a.stats[class]
		s.FramesDetected = make([]int, 0, len(set))
		for f := range set {
			s.FramesDetected = append(s.FramesDetected, f)
		}
		slices.Sort(s.FramesDetected)
	}
	return a
}

// FromSummary rebuilds statistics from a video job's per-class summary. The summary has no
// total confidence, so Average reports 0 for these entries.
func FromSummary(order []string, summary map[string]iface.ClassSummary) *Aggregation {
	a := newAggregation()
	seen := make(map[string]bool, len(summary))
	add := func(class string) {
		if seen[class] {
			return
		}
		cs, ok := summary[class]
		if !ok {
			return
		}
		seen[class] = true
		s := a.entry(class)
		s.Count = cs.Count
		s.MaxConfidence = cs.MaxConfidence
		s.FramesDetected = distinctSorted(cs.FramesDetected)
	}
	for _, class := range order {
		add(class)
	}
	rest := make([]string, 0, len(summary))
	for class := range summary {
		if !seen[class] {
			rest = append(rest, class)
		}
	}
	slices.Sort(rest)
	for _, class := range rest {
		add(class)
	}
	return a
}

// ForResult picks the right reducer for a result: raw detections when present, otherwise
// the video summary.
func ForResult(r *iface.DetectionResult) *Aggregation {
	if r == nil {
		return newAggregation()
	}
	if len(r.Detections) == 0 && len(r.Summary) > 0 {
		return FromSummary(r.SummaryOrder, r.Summary)
	}
	return Aggregate(r.Detections)
}

func distinctSorted(frames []int) []int {
	if len(frames) == 0 {
		return nil
	}
	out := slices.Clone(frames)
	slices.Sort(out)
	return slices.Compact(out)
}

func (a *Aggregation) Len() int {
	return len(a.order)
}

func (a *Aggregation) Classes() []string {
	return slices.Clone(a.order)
}

func (a *Aggregation) Get(class string) (iface.ClassStats, bool) {
	s, ok := a.stats[class]
	if !ok {
		return iface.ClassStats{}, false
	}
	return copyStats(s), true
}

// Stats returns copies of every entry in display order.
func (a *Aggregation) Stats() []iface.ClassStats {
	out := make([]iface.ClassStats, 0, len(a.order))
	for _, class := range a.order {
		out = append(out, copyStats(a.stats[class]))
	}
	return out
}

// TotalCount is the sum of Count over all classes.
func (a *Aggregation) TotalCount() int {
	total := 0
	for _, s := range a.stats {
		total += s.Count
	}
	return total
}

func copyStats(s *iface.ClassStats) iface.ClassStats {
	c := *s
	c.FramesDetected = slices.Clone(s.FramesDetected)
	return c
}
