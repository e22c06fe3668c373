// Package collectors polls hardware state into the metrics package.
package collectors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smazurov/capturenode/internal/metrics"
)

// DefaultMPPLoadPath is where Rockchip kernels report codec block load.
const DefaultMPPLoadPath = "/proc/mpp_service/load"

// HWLoadCollector polls a Rockchip MPP load file. The rkmpp decoders used by
// the drm accelerator run on these blocks.
type HWLoadCollector struct {
	logger   *slog.Logger
	procPath string
	interval time.Duration
	seen     map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHWLoadCollector creates a collector for procPath polled every interval.
func NewHWLoadCollector(procPath string, interval time.Duration, logger *slog.Logger) *HWLoadCollector {
	if procPath == "" {
		procPath = DefaultMPPLoadPath
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HWLoadCollector{
		logger:   logger,
		procPath: procPath,
		interval: interval,
		seen:     make(map[string]bool),
	}
}

// Available reports whether the load file exists on this system.
func (c *HWLoadCollector) Available() bool {
	_, err := os.Stat(c.procPath)
	return err == nil
}

// Start begins polling until ctx is cancelled or Stop is called.
func (c *HWLoadCollector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop stops polling and removes the collected metrics.
func (c *HWLoadCollector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	for device := range c.seen {
		metrics.DeleteHWDeviceLoad(device)
	}
}

func (c *HWLoadCollector) run(ctx context.Context) {
	defer close(c.done)
	c.logger.Info("Starting hardware load collection", "path", c.procPath, "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if err := c.Collect(); err != nil {
		c.logger.Warn("Failed to collect hardware load", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Collect(); err != nil {
				c.logger.Debug("Failed to collect hardware load", "error", err)
			}
		}
	}
}

// Collect reads the load file once and records every device.
func (c *HWLoadCollector) Collect() error {
	file, err := os.Open(c.procPath)
	if err != nil {
		return fmt.Errorf("failed to open load file: %w", err)
	}
	defer file.Close()

	readings, err := parseLoad(file)
	if err != nil {
		return fmt.Errorf("failed to parse load file: %w", err)
	}
	for _, r := range readings {
		metrics.SetHWDeviceLoad(r.device, r.load, r.utilization)
		c.seen[r.device] = true
	}
	return nil
}

type loadReading struct {
	device      string
	load        float64
	utilization float64
}

// parseLoad reads lines like "rkvdec: load: 12.5% utilization: 33%".
// Lines that do not parse are skipped.
func parseLoad(r io.Reader) ([]loadReading, error) {
	var out []loadReading
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if reading, err := parseLoadLine(line); err == nil {
			out = append(out, reading)
		}
	}
	return out, scanner.Err()
}

var errMalformedLoad = errors.New("malformed load line")

func parseLoadLine(line string) (loadReading, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return loadReading{}, errMalformedLoad
	}

	var load, util string
	for i := 1; i+1 < len(fields); i++ {
		switch fields[i] {
		case "load:":
			load = fields[i+1]
		case "utilization:":
			util = fields[i+1]
		}
	}
	if load == "" || util == "" {
		return loadReading{}, errMalformedLoad
	}

	l, err := strconv.ParseFloat(strings.TrimSuffix(load, "%"), 64)
	if err != nil {
		return loadReading{}, err
	}
	u, err := strconv.ParseFloat(strings.TrimSuffix(util, "%"), 64)
	if err != nil {
		return loadReading{}, err
	}
	return loadReading{
		device:      strings.TrimSuffix(fields[0], ":"),
		load:        l,
		utilization: u,
	}, nil
}
