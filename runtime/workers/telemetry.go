package workers

import (
	"chat-sync/domain/event"
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"time"

	"github.com/shirou/gopsutil/process"
)

type NamedChannel struct {
	Name    string
	Channel any
}

// ChannelStat is a sample of one channel fill level.
type ChannelStat struct {
	Name     string
	Length   int
	Capacity int
}

// Snapshot is one telemetry sample.
type Snapshot struct {
	At            time.Time
	Events        map[event.Type]uint64
	Channels      []ChannelStat
	Subscriptions int
	CPUPercent    float64
	RSSBytes      uint64
}

// TelemetryWorker periodically samples event counters, channel fill levels,
// live subscriptions and the process footprint, and logs them.
// Reading len and cap of a channel is non-blocking, so sampling does not
// interfere with the pipeline.
type TelemetryWorker struct {
	log            *slog.Logger
	metricInterval time.Duration
	counter        *event.Counter
	channels       []NamedChannel
	subscriptions  func() int
	process        *process.Process
}

func NewTelemetryWorker(log *slog.Logger, metricInterval time.Duration, counter *event.Counter,
	channels []NamedChannel, subscriptions func() int) *TelemetryWorker {
	return &TelemetryWorker{
		log:            log,
		metricInterval: metricInterval,
		counter:        counter,
		channels:       channels,
		subscriptions:  subscriptions,
	}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.metricInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping telemetry")
			return nil
		case <-ticker.C:
			w.report(w.Sample())
		}
	}
}

// Sample collects a snapshot. Process metrics are left at zero when the
// platform does not expose them.
func (w *TelemetryWorker) Sample() Snapshot {
	snapshot := Snapshot{
		At:     time.Now().UTC(),
		Events: w.counter.Snapshot(),
	}
	for _, nc := range w.channels {
		v := reflect.ValueOf(nc.Channel)
		if v.Kind() != reflect.Chan {
			w.log.Error("Provided object is not a channel", "name", nc.Name)
			continue
		}
		snapshot.Channels = append(snapshot.Channels, ChannelStat{Name: nc.Name, Length: v.Len(), Capacity: v.Cap()})
	}
	if w.subscriptions != nil {
		snapshot.Subscriptions = w.subscriptions()
	}
	if rss, cpu, err := w.selfStats(); err != nil {
		w.log.Debug("Failed to collect self stats", "error", err)
	} else {
		snapshot.RSSBytes, snapshot.CPUPercent = rss, cpu
	}
	return snapshot
}

func (w *TelemetryWorker) selfStats() (uint64, float64, error) {
	if w.process == nil {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return 0, 0, err
		}
		w.process = p
	}
	memInfo, err := w.process.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpu, err := w.process.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpu, nil
}

func (w *TelemetryWorker) report(s Snapshot) {
	attrs := []any{
		"subscriptions", s.Subscriptions,
		"cpu_percent", fmt.Sprintf("%.1f", s.CPUPercent),
		"rss_bytes", s.RSSBytes,
	}
	for t, n := range s.Events {
		attrs = append(attrs, string(t), n)
	}
	w.log.Info("Telemetry", attrs...)
	for _, c := range s.Channels {
		if c.Capacity > 0 && c.Length*10 >= c.Capacity*8 {
			w.log.Warn("Channel almost full", "name", c.Name, "length", c.Length, "capacity", c.Capacity)
		}
	}
}
