package client

import (
	"context"
	"errors"
	"net/url"
	"strings"

	iface "WeaponDetClient/interface"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// progressFrame is one push from the service's progress stream.
type progressFrame struct {
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// ProgressEnabled reports whether a progress stream is configured.
func (c *Client) ProgressEnabled() bool {
	return c.progressPath != ""
}

func (c *Client) progressURL(jobID string) string {
	u := *c.origin
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/" + strings.TrimPrefix(c.progressPath, "/")
	u.RawQuery = url.Values{"job": {jobID}}.Encode()
	return u.String()
}

// StreamProgress follows the service's progress frames for jobID until 100%, a close from
// the service, or ctx ending. fn sees every frame in arrival order; percent is clamped to 0..100.
func (c *Client) StreamProgress(ctx context.Context, jobID string, fn func(percent int, message string)) error {
	if !c.ProgressEnabled() {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.progressURL(jobID), nil)
	if err != nil {
		return iface.NetworkError(err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		_ = conn.Close()
	})
	defer stop()

	for {
		var frame progressFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.log.Debug("progress stream closed", zap.String("job", jobID), zap.Int("code", closeErr.Code))
				return nil
			}
			return iface.NetworkError(err)
		}
		percent := int(frame.Percent)
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		fn(percent, frame.Message)
		if percent >= 100 {
			return nil
		}
	}
}
