package orchestrator

import (
	"net/url"

	"WeaponDetClient/client"
	iface "WeaponDetClient/interface"
)

// Flow is the media-kind capability of a detection job: where the media is posted and how
// the service's reply becomes a DetectionResult. The state machine is shared by all flows.
type Flow struct {
	Kind  iface.MediaKind
	Path  string
	Adapt func(body []byte, origin *url.URL) (*iface.DetectionResult, error)
	// Streams is true when the service may push progress for this kind.
	Streams bool
}

var (
	ImageFlow = Flow{Kind: iface.Image, Path: client.ImagePath, Adapt: client.AdaptImage}
	VideoFlow = Flow{Kind: iface.Video, Path: client.VideoPath, Adapt: client.AdaptVideo, Streams: true}
)

func FlowFor(kind iface.MediaKind) Flow {
	if kind == iface.Video {
		return VideoFlow
	}
	return ImageFlow
}
