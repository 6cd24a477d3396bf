package api

import (
	"WeaponDetClient/engine"
	iface "WeaponDetClient/interface"
	"WeaponDetClient/orchestrator"
)

type errorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type mediaView struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Kind        string `json:"kind"`
	Size        int    `json:"size"`
}

type detectionView struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	Frame      *int       `json:"frame,omitempty"`
}

type statsView struct {
	ClassName          string   `json:"className"`
	Count              int      `json:"count"`
	AverageConfidence  *float64 `json:"averageConfidence,omitempty"`
	MaxConfidence      float64  `json:"maxConfidence"`
	FramesDetected     []int    `json:"framesDetected,omitempty"`
	DistinctFrames     int      `json:"distinctFrames"`
	Description        string   `json:"description,omitempty"`
	ThreatAnalysis     string   `json:"threatAnalysis,omitempty"`
	RecommendedActions []string `json:"recommendedActions,omitempty"`
}

type bucketView struct {
	Bucket string `json:"bucket"`
	Count  int    `json:"count"`
}

type analysisView struct {
	Class      string           `json:"class"`
	Confidence float64          `json:"confidence"`
	BBox       [4]float64       `json:"bbox"`
	WeaponInfo iface.WeaponInfo `json:"weaponInfo"`
}

type resultView struct {
	JobID             string          `json:"jobID"`
	Kind              string          `json:"kind"`
	Detections        []detectionView `json:"detections"`
	Stats             []statsView     `json:"stats"`
	TotalDetections   int             `json:"totalDetections"`
	Distribution      []bucketView    `json:"distribution"`
	Analysis          []analysisView  `json:"analysis,omitempty"`
	ProcessedMediaURL string          `json:"processedMediaURL,omitempty"`
	TotalFrames       int             `json:"totalFrames,omitempty"`
	ProcessedFrames   int             `json:"processedFrames,omitempty"`
	ProcessingTime    float64         `json:"processingTimeSeconds"`
}

type sessionView struct {
	SessionID   string      `json:"sessionID"`
	Generation  uint64      `json:"generation"`
	State       string      `json:"state"`
	JobID       string      `json:"jobID,omitempty"`
	Percent     int         `json:"percent"`
	Message     string      `json:"message,omitempty"`
	Media       *mediaView  `json:"media,omitempty"`
	Error       *errorView  `json:"error,omitempty"`
	RenderError *errorView  `json:"renderError,omitempty"`
	Rendering   bool        `json:"rendering"`
	Annotated   bool        `json:"annotated"`
	Result      *resultView `json:"result,omitempty"`
}

func toErrorView(err error) *errorView {
	if err == nil {
		return nil
	}
	return &errorView{Kind: iface.KindOf(err).String(), Message: iface.UserMessage(err)}
}

func corners(b iface.BBox) [4]float64 {
	return [4]float64{b.X1, b.Y1, b.X2, b.Y2}
}

func viewSession(id string, s orchestrator.Snapshot) sessionView {
	v := sessionView{
		SessionID:   id,
		Generation:  s.Generation,
		State:       s.State.String(),
		JobID:       s.JobID,
		Percent:     s.Percent,
		Message:     s.Message,
		Error:       toErrorView(s.JobErr),
		RenderError: toErrorView(s.RenderErr),
		Rendering:   s.Rendering,
		Annotated:   s.Annotated,
		Result:      viewResult(s.Result),
	}
	if s.MediaName != "" {
		v.Media = &mediaView{Name: s.MediaName, ContentType: s.MediaType, Kind: s.Kind.String(), Size: s.MediaSize}
	}
	return v
}

func viewResult(r *iface.DetectionResult) *resultView {
	if r == nil {
		return nil
	}
	v := &resultView{
		JobID:             r.ID,
		Kind:              r.Kind.String(),
		Detections:        make([]detectionView, 0, len(r.Detections)),
		ProcessedMediaURL: r.ProcessedMediaRef,
		TotalFrames:       r.TotalFrames,
		ProcessedFrames:   r.ProcessedFrames,
		ProcessingTime:    r.ProcessingTime.Seconds(),
	}
	for _, d := range r.Detections {
		dv := detectionView{Class: d.Class, Confidence: d.Confidence, BBox: corners(d.BBox)}
		if d.Frame != iface.NoFrame {
			frame := d.Frame
			dv.Frame = &frame
		}
		v.Detections = append(v.Detections, dv)
	}

	agg := engine.ForResult(r)
	v.TotalDetections = agg.TotalCount()
	v.Stats = make([]statsView, 0, agg.Len())
	for _, st := range agg.Stats() {
		sv := statsView{
			ClassName:      st.ClassName,
			Count:          st.Count,
			MaxConfidence:  st.MaxConfidence,
			FramesDetected: st.FramesDetected,
			DistinctFrames: st.DistinctFrames(),
		}
		if st.HasTotal {
			avg := st.Average()
			sv.AverageConfidence = &avg
		}
		if cs, ok := r.Summary[st.ClassName]; ok {
			sv.Description = cs.Description
			sv.ThreatAnalysis = cs.ThreatAnalysis
			sv.RecommendedActions = cs.RecommendedActions
		}
		v.Stats = append(v.Stats, sv)
	}

	counts := engine.Bucketize(r.Detections).Counts()
	v.Distribution = make([]bucketView, 0, len(engine.Buckets))
	for i, b := range engine.Buckets {
		v.Distribution = append(v.Distribution, bucketView{Bucket: string(b), Count: counts[i]})
	}

	for _, a := range r.Analysis {
		v.Analysis = append(v.Analysis, analysisView{
			Class:      a.Class,
			Confidence: a.Confidence,
			BBox:       corners(a.BBox),
			WeaponInfo: a.WeaponInfo,
		})
	}
	return v
}
