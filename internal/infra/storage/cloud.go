package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/berdcoin/tapcoin/internal/platform/logger"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
)

// DefaultCloudTimeout bounds each cloud call.
const DefaultCloudTimeout = 2 * time.Second

// CloudStore reads and writes the cloud slot with a timeout and falls back to local storage.
// Writes go to local first, then cloud. A cloud failure never fails the operation.
type CloudStore struct {
	local   KV
	cloud   KV
	timeout time.Duration
	prefer  func(local, cloud []byte) []byte
	metrics *metrics.Collector
	logger  *logger.Logger
}

// CloudOptions configures a CloudStore.
type CloudOptions struct {
	Timeout time.Duration
	// Prefer picks between a local and a cloud value when both exist.
	// Nil means the cloud value wins.
	Prefer  func(local, cloud []byte) []byte
	Metrics *metrics.Collector
	Logger  *logger.Logger
}

// NewCloudStore combines a local and a cloud KV.
func NewCloudStore(local, cloud KV, opts CloudOptions) *CloudStore {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCloudTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &CloudStore{
		local:   local,
		cloud:   cloud,
		timeout: opts.Timeout,
		prefer:  opts.Prefer,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// Get reads both slots. The cloud read is bounded by the timeout; on failure the local value is used.
func (c *CloudStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	localVal, localOK, localErr := c.local.Get(ctx, key)

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	cloudVal, cloudOK, cloudErr := c.cloud.Get(cctx, key)
	cancel()

	if cloudErr != nil {
		c.metrics.RecordCloudFallback()
		c.logger.Warnf("cloud read %s failed, using local: %v", key, cloudErr)
		if localErr != nil {
			return nil, false, fmt.Errorf("local and cloud read failed: %w", localErr)
		}
		return localVal, localOK, nil
	}
	if localErr != nil {
		c.logger.Warnf("local read %s failed, using cloud: %v", key, localErr)
		return cloudVal, cloudOK, nil
	}

	switch {
	case cloudOK && localOK:
		if c.prefer != nil {
			return c.prefer(localVal, cloudVal), true, nil
		}
		return cloudVal, true, nil
	case cloudOK:
		return cloudVal, true, nil
	case localOK:
		return localVal, true, nil
	}
	return nil, false, nil
}

// Set writes local first, then cloud with the timeout.
func (c *CloudStore) Set(ctx context.Context, key string, value []byte) error {
	if err := c.local.Set(ctx, key, value); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.cloud.Set(cctx, key, value); err != nil {
		c.metrics.RecordCloudFallback()
		c.logger.Warnf("cloud write %s failed, kept local copy: %v", key, err)
	}
	return nil
}

var _ KV = (*CloudStore)(nil)
