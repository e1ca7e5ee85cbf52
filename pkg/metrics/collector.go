package metrics

import (
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// StationSource reports the cluster registry contents.
type StationSource interface {
	Infos() ([]types.StationInfo, error)
}

// ObjectSource reports how many objects the runtime has loaded.
type ObjectSource interface {
	LoadedCount() int
}

// TaskSource reports how many task records are active.
type TaskSource interface {
	CountActive() (int, error)
}

// QueueSource reports the replication pool backlog.
type QueueSource interface {
	Depth() int
}

// Collector periodically samples gauges from the station's moving
// parts. Any source may be nil; its gauge is then left alone.
type Collector struct {
	stations StationSource
	objects  ObjectSource
	tasks    TaskSource
	queue    QueueSource
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector.
func NewCollector(stations StationSource, objects ObjectSource, tasks TaskSource, queue QueueSource) *Collector {
	return &Collector{
		stations: stations,
		objects:  objects,
		tasks:    tasks,
		queue:    queue,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectStationMetrics()

	if c.objects != nil {
		ObjectsLoaded.Set(float64(c.objects.LoadedCount()))
	}

	if c.tasks != nil {
		if n, err := c.tasks.CountActive(); err == nil {
			TasksActive.Set(float64(n))
		}
	}

	if c.queue != nil {
		ReplicationQueueDepth.Set(float64(c.queue.Depth()))
	}
}

func (c *Collector) collectStationMetrics() {
	if c.stations == nil {
		return
	}
	infos, err := c.stations.Infos()
	if err != nil {
		return
	}

	live := 0
	for _, info := range infos {
		if info.IsActive {
			live++
		}
	}

	StationsTotal.Set(float64(len(infos)))
	StationsLive.Set(float64(live))
}
