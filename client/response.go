package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	iface "WeaponDetClient/interface"
)

type detectionWire struct {
	Class      string          `json:"class"`
	Confidence float64         `json:"confidence"`
	BBox       json.RawMessage `json:"bbox"`
	Frame      *int            `json:"frame,omitempty"`
}

type analysisWire struct {
	Class      string           `json:"class"`
	Confidence float64          `json:"confidence"`
	BBox       json.RawMessage  `json:"bbox"`
	WeaponInfo iface.WeaponInfo `json:"weapon_info"`
}

type imageResponse struct {
	Success           bool            `json:"success"`
	Detections        json.RawMessage `json:"detections"`
	Analysis          []analysisWire  `json:"analysis"`
	ProcessedImageURL string          `json:"processed_image_url"`
	Error             string          `json:"error"`
}

type summaryWire struct {
	Count          int     `json:"count"`
	MaxConfidence  float64 `json:"max_confidence"`
	FramesDetected []int   `json:"frames_detected"`
	Info           struct {
		Description string `json:"description"`
	} `json:"info"`
	RiskAssessment struct {
		ThreatAnalysis     string   `json:"threat_analysis"`
		RecommendedActions []string `json:"recommended_actions"`
	} `json:"risk_assessment"`
}

type videoResponse struct {
	Success           bool            `json:"success"`
	TotalFrames       int             `json:"total_frames"`
	ProcessedFrames   int             `json:"processed_frames"`
	ProcessingTime    float64         `json:"processing_time"`
	DetectionsSummary json.RawMessage `json:"detections_summary"`
	Detections        json.RawMessage `json:"detections"`
	ProcessedVideoURL string          `json:"processed_video_url"`
	Error             string          `json:"error"`
}

func failure(message string) error {
	if message == "" {
		message = "detection failed"
	}
	return iface.ServiceError(message)
}

func malformed(err error) error {
	return iface.NewError(iface.KindService, "malformed service response", err)
}

// AdaptImage converts an /api/image/detect reply into a DetectionResult.
func AdaptImage(body []byte, origin *url.URL) (*iface.DetectionResult, error) {
	var resp imageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed(err)
	}
	if !resp.Success {
		return nil, failure(resp.Error)
	}
	detections, err := parseDetections(resp.Detections, false)
	if err != nil {
		return nil, malformed(err)
	}
	analysis := make([]iface.Analysis, 0, len(resp.Analysis))
	for _, a := range resp.Analysis {
		box, err := parseBBox(a.BBox)
		if err != nil {
			return nil, malformed(err)
		}
		analysis = append(analysis, iface.Analysis{
			Class:      a.Class,
			Confidence: a.Confidence,
			BBox:       box,
			WeaponInfo: a.WeaponInfo,
		})
	}
	return &iface.DetectionResult{
		Kind:              iface.Image,
		Detections:        detections,
		Analysis:          analysis,
		ProcessedMediaRef: Resolve(origin, resp.ProcessedImageURL),
	}, nil
}

// AdaptVideo converts an /api/video/detect reply into a DetectionResult.
func AdaptVideo(body []byte, origin *url.URL) (*iface.DetectionResult, error) {
	var resp videoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed(err)
	}
	if !resp.Success {
		return nil, failure(resp.Error)
	}
	order, summary, err := parseSummary(resp.DetectionsSummary)
	if err != nil {
		return nil, malformed(err)
	}
	detections, err := parseDetections(resp.Detections, true)
	if err != nil {
		return nil, malformed(err)
	}
	return &iface.DetectionResult{
		Kind:              iface.Video,
		Detections:        detections,
		Summary:           summary,
		SummaryOrder:      order,
		ProcessedMediaRef: Resolve(origin, resp.ProcessedVideoURL),
		TotalFrames:       resp.TotalFrames,
		ProcessedFrames:   resp.ProcessedFrames,
		ProcessingTime:    time.Duration(resp.ProcessingTime * float64(time.Second)),
	}, nil
}

// parseDetections accepts a list of detections, or the bare count some service versions send,
// which carries nothing drawable.
func parseDetections(raw json.RawMessage, video bool) ([]iface.Detection, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || raw[0] != '[' {
		return nil, nil
	}
	var wire []detectionWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	out := make([]iface.Detection, 0, len(wire))
	for _, w := range wire {
		box, err := parseBBox(w.BBox)
		if err != nil {
			return nil, err
		}
		frame := iface.NoFrame
		if video && w.Frame != nil {
			frame = *w.Frame
		}
		out = append(out, iface.Detection{Class: w.Class, Confidence: w.Confidence, BBox: box, Frame: frame})
	}
	return out, nil
}

// parseBBox reads [x1,y1,x2,y2], {x1,y1,x2,y2} or {x,y,width,height}. The service fills the
// last form straight from the corner list, so width and height hold x2 and y2.
func parseBBox(raw json.RawMessage) (iface.BBox, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return iface.BBox{}, nil
	}
	if raw[0] == '[' {
		var corners []float64
		if err := json.Unmarshal(raw, &corners); err != nil {
			return iface.BBox{}, err
		}
		if len(corners) != 4 {
			return iface.BBox{}, fmt.Errorf("bbox needs 4 values, got %d", len(corners))
		}
		return iface.NewBBox(corners[0], corners[1], corners[2], corners[3]), nil
	}
	var obj struct {
		X1     *float64 `json:"x1"`
		Y1     *float64 `json:"y1"`
		X2     *float64 `json:"x2"`
		Y2     *float64 `json:"y2"`
		X      float64  `json:"x"`
		Y      float64  `json:"y"`
		Width  float64  `json:"width"`
		Height float64  `json:"height"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return iface.BBox{}, err
	}
	if obj.X1 != nil && obj.Y1 != nil && obj.X2 != nil && obj.Y2 != nil {
		return iface.NewBBox(*obj.X1, *obj.Y1, *obj.X2, *obj.Y2), nil
	}
	return iface.NewBBox(obj.X, obj.Y, obj.Width, obj.Height), nil
}

// parseSummary decodes the per-class summary keeping the service's key order.
func parseSummary(raw json.RawMessage) ([]string, map[string]iface.ClassSummary, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("detections_summary must be an object")
	}
	var order []string
	summary := make(map[string]iface.ClassSummary)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		class, _ := tok.(string)
		var w summaryWire
		if err := dec.Decode(&w); err != nil {
			return nil, nil, fmt.Errorf("summary for %q: %w", class, err)
		}
		if _, dup := summary[class]; !dup {
			order = append(order, class)
		}
		summary[class] = iface.ClassSummary{
			Count:              w.Count,
			MaxConfidence:      w.MaxConfidence,
			FramesDetected:     w.FramesDetected,
			Description:        w.Info.Description,
			ThreatAnalysis:     w.RiskAssessment.ThreatAnalysis,
			RecommendedActions: w.RiskAssessment.RecommendedActions,
		}
	}
	return order, summary, nil
}
