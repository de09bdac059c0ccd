// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// UsageSampler ships per-poll job resource samples to InfluxDB. It is
// optional; a nil sampler disables usage collection entirely.
type UsageSampler struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	node   string
	logger *slog.Logger
}

// NewUsageSampler connects a sampler to an InfluxDB bucket. The node id
// tags every point so a fleet dashboard can split by site.
func NewUsageSampler(url, token, org, bucket, nodeID string, logger *slog.Logger) *UsageSampler {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(url, token)
	return &UsageSampler{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		node:   nodeID,
		logger: logger,
	}
}

// Sample reads the child's resident set from /proc and writes one point.
// Failures are logged at debug level; sampling must never disturb the
// job it observes.
func (s *UsageSampler) Sample(ctx context.Context, jobID string, pid int) {
	rss, err := residentBytes(pid)
	if err != nil {
		s.logger.Debug("usage sample skipped", "job_id", jobID, "error", err)
		return
	}
	p := influxdb2.NewPoint(
		"job_usage",
		map[string]string{
			"node": s.node,
			"job":  jobID,
		},
		map[string]interface{}{
			"rss_bytes": rss,
		},
		time.Now(),
	)
	if err := s.write.WritePoint(ctx, p); err != nil {
		s.logger.Debug("usage point not written", "job_id", jobID, "error", err)
	}
}

// Close flushes and releases the client.
func (s *UsageSampler) Close() {
	s.client.Close()
}

// residentBytes parses VmRSS from /proc/<pid>/status.
func residentBytes(pid int) (int64, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb << 10, nil
	}
	return 0, fmt.Errorf("no VmRSS line for pid %d", pid)
}
