package client

import (
	"context"
	"fmt"
	"time"

	iface "WeaponDetClient/interface"

	"go.uber.org/zap"
)

const healthTimeout = 5 * time.Second

// HealthStatus mirrors the service's /api/health reply.
type HealthStatus struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Health asks the service whether it is up with its model loaded.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	var status HealthStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&status).
		Get(HealthPath)
	if err != nil {
		return nil, iface.NetworkError(err)
	}
	if resp.IsError() {
		return nil, iface.ServiceError(errorMessage(resp))
	}
	if status.Status != "healthy" {
		return &status, iface.ServiceError(fmt.Sprintf("service reports %q", status.Status))
	}
	return &status, nil
}

// WatchHealth polls Health every interval until ctx ends, reporting each outcome to fn.
// A panicking fn is logged and the loop keeps going.
func (c *Client) WatchHealth(ctx context.Context, interval time.Duration, fn func(healthy bool, err error)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("health check panic recovered", zap.Any("panic", r))
			}
		}()
		status, err := c.Health(ctx)
		if ctx.Err() != nil {
			return
		}
		healthy := err == nil && status.ModelLoaded
		if err != nil {
			c.log.Warn("detection service unhealthy", zap.Error(err))
		} else if !status.ModelLoaded {
			c.log.Warn("detection service has no model loaded")
		}
		fn(healthy, err)
	}

	check()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("health watcher stopped")
			return
		case <-ticker.C:
			check()
		}
	}
}
