package iface

import (
	"time"
)

// NoFrame marks a detection that does not belong to a video frame.
const NoFrame = -1

type MediaKind int

const (
	Image MediaKind = 0x2001
	Video MediaKind = 0x2002
)

func (k MediaKind) String() string {
	switch k {
	case Image:
		return "image"
	case Video:
		return "video"
	default:
		return "unknown"
	}
}

// Media is one user-selected file, held in memory until the job completes.
type Media struct {
	Name        string
	ContentType string
	Data        []byte
}

func (m *Media) Size() int {
	if m == nil {
		return 0
	}
	return len(m.Data)
}

// BBox is an axis-aligned box in source-pixel coordinates.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// NewBBox orders the corners so that X1 <= X2 and Y1 <= Y2.
func NewBBox(x1, y1, x2, y2 float64) BBox {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

type Detection struct {
	Class      string
	Confidence float64
	BBox       BBox
	Frame      int
}

// WeaponInfo is the per-detection analysis the service attaches to image results.
type WeaponInfo struct {
	Description        string   `json:"description"`
	RiskAssessment     string   `json:"risk_assessment"`
	RecommendedActions []string `json:"recommended_actions"`
}

type Analysis struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       BBox       `json:"bbox"`
	WeaponInfo WeaponInfo `json:"weapon_info"`
}

// ClassSummary is the pre-aggregated per-class record of a video job.
type ClassSummary struct {
	Count              int      `json:"count"`
	MaxConfidence      float64  `json:"max_confidence"`
	FramesDetected     []int    `json:"frames_detected"`
	Description        string   `json:"description"`
	ThreatAnalysis     string   `json:"threat_analysis"`
	RecommendedActions []string `json:"recommended_actions"`
}

// DetectionResult is built once per successful service response and never mutated.
type DetectionResult struct {
	ID                string
	Kind              MediaKind
	Detections        []Detection
	Summary           map[string]ClassSummary
	SummaryOrder      []string
	Analysis          []Analysis
	SourceMediaRef    string
	ProcessedMediaRef string
	TotalFrames       int
	ProcessedFrames   int
	ProcessingTime    time.Duration
}

// ClassStats is the aggregated view of one detected class.
type ClassStats struct {
	ClassName       string
	Count           int
	TotalConfidence float64
	MaxConfidence   float64
	FramesDetected  []int
	// HasTotal is false for stats rebuilt from a video summary, which carries no total.
	HasTotal bool
}

func (s ClassStats) Average() float64 {
	if s.Count == 0 || !s.HasTotal {
		return 0
	}
	return s.TotalConfidence / float64(s.Count)
}

// DistinctFrames is the number of distinct frames the class appeared in.
func (s ClassStats) DistinctFrames() int {
	return len(s.FramesDetected)
}

// Raster is a decoded image owned by the caller; Close releases it.
type Raster interface {
	Width() int
	Height() int
	Encode(ext string) ([]byte, error)
	Close() error
}

type Annotator interface {
	// DecodeAsync decodes data off the calling goroutine and calls done exactly once.
	DecodeAsync(data []byte, done func(Raster, error))
	Annotate(src Raster, detections []Detection) (Raster, error)
}
