package orchestrator

import (
	"mime"
	"strings"

	iface "WeaponDetClient/interface"

	"github.com/gabriel-vasile/mimetype"
)

var videoTypes = map[string]bool{
	"video/mp4":       true,
	"video/avi":       true,
	"video/x-msvideo": true,
	"video/msvideo":   true,
	"video/quicktime": true,
}

// Classify resolves the media kind of m. An empty content type is sniffed from the bytes.
// It returns the normalised content type alongside the kind.
func Classify(m *iface.Media) (iface.MediaKind, string, error) {
	if m == nil {
		return 0, "", iface.InvalidMediaType("Please select an image or video file")
	}
	contentType := normalise(m.ContentType)
	if contentType == "" && len(m.Data) > 0 {
		contentType = normalise(mimetype.Detect(m.Data).String())
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return iface.Image, contentType, nil
	case videoTypes[contentType]:
		return iface.Video, contentType, nil
	case contentType == "":
		return 0, "", iface.InvalidMediaType("Please select an image or video file")
	default:
		return 0, contentType, iface.InvalidMediaType("unsupported media type %q", contentType)
	}
}

func normalise(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	return strings.ToLower(contentType)
}
