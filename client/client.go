package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"WeaponDetClient/config"
	iface "WeaponDetClient/interface"
	"WeaponDetClient/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	ImagePath  = "/api/image/detect"
	VideoPath  = "/api/video/detect"
	HealthPath = "/api/health"
	FileField  = "file"
	JobHeader  = "X-Job-ID"
)

// Client talks to the remote detection service.
type Client struct {
	http         *resty.Client
	origin       *url.URL
	imageTimeout time.Duration
	videoTimeout time.Duration
	retries      int
	retryWait    time.Duration
	retryMaxWait time.Duration
	progressPath string
	log          *zap.Logger
}

func New(cfg *config.Config) *Client {
	origin := cfg.Origin()
	return &Client{
		http: resty.New().
			SetBaseURL(origin.String()).
			SetHeader("Accept", "application/json"),
		origin:       origin,
		imageTimeout: cfg.ImageTimeout,
		videoTimeout: cfg.VideoTimeout,
		retries:      cfg.RetryCount,
		retryWait:    cfg.RetryWaitTime,
		retryMaxWait: cfg.RetryMaxWaitTime,
		progressPath: cfg.ProgressPath,
		log:          logger.Named("client"),
	}
}

func (c *Client) Origin() *url.URL {
	u := *c.origin
	return &u
}

// Resolve turns a service-relative media path into an absolute URL on the service origin.
func (c *Client) Resolve(ref string) string {
	return Resolve(c.origin, ref)
}

func Resolve(origin *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() {
		return u.String()
	}
	return origin.ResolveReference(u).String()
}

func (c *Client) timeoutFor(kind iface.MediaKind) time.Duration {
	if kind == iface.Video {
		return c.videoTimeout
	}
	return c.imageTimeout
}

// sentReader calls sent once the transport has consumed the whole upload body.
type sentReader struct {
	r    io.Reader
	once *sync.Once
	sent func()
}

func (s *sentReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if errors.Is(err, io.EOF) && s.sent != nil {
		s.once.Do(s.sent)
	}
	return n, err
}

// Upload posts media as multipart field "file" to path and returns the raw response body of a
// 2xx reply. Transport failures are retried with backoff; replies are never retried.
func (c *Client) Upload(ctx context.Context, kind iface.MediaKind, path string, media *iface.Media, jobID string, sent func()) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(kind))
	defer cancel()

	once := &sync.Once{}
	wait := c.retryWait
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying upload", zap.String("job", jobID), zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(wait):
			}
			wait *= 2
			if c.retryMaxWait > 0 && wait > c.retryMaxWait {
				wait = c.retryMaxWait
			}
		}
		body, err := c.post(ctx, path, media, jobID, &sentReader{r: bytes.NewReader(media.Data), once: once, sent: sent})
		if err == nil {
			return body, nil
		}
		if iface.KindOf(err) != iface.KindNetwork || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, path string, media *iface.Media, jobID string, body io.Reader) ([]byte, error) {
	contentType := media.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(JobHeader, jobID).
		SetMultipartField(FileField, media.Name, contentType, body).
		Post(path)
	if err != nil {
		return nil, iface.NetworkError(err)
	}
	c.log.Debug("upload finished",
		zap.String("job", jobID),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", resp.Time()))
	if resp.IsError() {
		return nil, iface.ServiceError(errorMessage(resp))
	}
	return resp.Body(), nil
}

// errorMessage prefers the service's own "error" text over the HTTP status line.
func errorMessage(resp *resty.Response) string {
	var envelope struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil && envelope.Error != "" {
		if envelope.Details != "" {
			return fmt.Sprintf("%s: %s", envelope.Error, envelope.Details)
		}
		return envelope.Error
	}
	return resp.Status()
}

// Fetch downloads a processed media reference, resolving it against the service origin.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "*/*").
		Get(c.Resolve(ref))
	if err != nil {
		return nil, "", iface.NetworkError(err)
	}
	if resp.IsError() {
		return nil, "", iface.ServiceError(errorMessage(resp))
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}
