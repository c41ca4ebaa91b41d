package registry

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vahti/pkg/resource"
)

// Runtime resource names.
const (
	RuntimeDomain = "go.runtime"

	// GCNotificationType is published after each observed GC cycle.
	GCNotificationType = "go.runtime.gc.completed"

	pauseHistoryLen = 8
)

var (
	RuntimeMemoryID    = resource.MustParseIdentifier(RuntimeDomain + ":type=Memory")
	RuntimeThreadingID = resource.MustParseIdentifier(RuntimeDomain + ":type=Threading")
	RuntimeGCID        = resource.MustParseIdentifier(RuntimeDomain + ":type=GarbageCollector")
	RuntimeProcessID   = resource.MustParseIdentifier(RuntimeDomain + ":type=Runtime")
)

// Runtime exposes the current Go process as managed resources, the way a
// JVM exposes its platform beans.
type Runtime struct {
	*Memory

	start  time.Time
	mu     sync.Mutex
	lastGC uint32
	seq    int64
}

// NewRuntime creates a registry populated with the process resources.
func NewRuntime() *Runtime {
	r := &Runtime{Memory: NewMemory(), start: time.Now()}

	r.RegisterProvider(RuntimeMemoryID, memorySnapshot)
	r.RegisterProvider(RuntimeThreadingID, threadingSnapshot)
	r.RegisterProvider(RuntimeGCID, gcSnapshot)
	r.RegisterProvider(RuntimeProcessID, r.processSnapshot)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r.lastGC = ms.NumGC
	return r
}

// Watch publishes a GC notification for every GC cycle completed since
// the previous check, polling at interval until ctx is done.
func (r *Runtime) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.CheckGC()
		}
	}
}

// CheckGC publishes one notification if any GC cycle completed since the
// last call and returns whether it did.
func (r *Runtime) CheckGC() bool {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	r.mu.Lock()
	if ms.NumGC == r.lastGC {
		r.mu.Unlock()
		return false
	}
	cycles := ms.NumGC - r.lastGC
	r.lastGC = ms.NumGC
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	n := resource.Notification{
		Type:      GCNotificationType,
		Message:   fmt.Sprintf("%d GC cycle(s) completed, total %d", cycles, ms.NumGC),
		Sequence:  seq,
		Source:    RuntimeGCID,
		Timestamp: time.Unix(0, int64(ms.LastGC)),
		UserData:  resource.RecordOf(lastGCInfo(&ms)),
	}
	delivered := r.Publish(n)
	log.Debug().
		Uint32("num_gc", ms.NumGC).
		Int("handlers", delivered).
		Msg("published gc notification")
	return true
}

func memorySnapshot() resource.Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return resource.Snapshot{
		"HeapMemoryUsage": resource.RecordOf(resource.NewRecord(
			resource.F("alloc", resource.Scalar(ms.HeapAlloc)),
			resource.F("inuse", resource.Scalar(ms.HeapInuse)),
			resource.F("idle", resource.Scalar(ms.HeapIdle)),
			resource.F("released", resource.Scalar(ms.HeapReleased)),
			resource.F("sys", resource.Scalar(ms.HeapSys)),
		)),
		"NonHeapMemoryUsage": resource.RecordOf(resource.NewRecord(
			resource.F("stackInuse", resource.Scalar(ms.StackInuse)),
			resource.F("stackSys", resource.Scalar(ms.StackSys)),
			resource.F("mspanInuse", resource.Scalar(ms.MSpanInuse)),
			resource.F("mcacheInuse", resource.Scalar(ms.MCacheInuse)),
			resource.F("gcSys", resource.Scalar(ms.GCSys)),
			resource.F("otherSys", resource.Scalar(ms.OtherSys)),
		)),
		"ObjectCount":      resource.Scalar(ms.HeapObjects),
		"TotalAllocations": resource.Scalar(ms.Mallocs),
		"TotalFrees":       resource.Scalar(ms.Frees),
		"Sys":              resource.Scalar(ms.Sys),
		"MemoryLimit":      resource.Scalar(debug.SetMemoryLimit(-1)),
	}
}

func threadingSnapshot() resource.Snapshot {
	return resource.Snapshot{
		"GoroutineCount": resource.Scalar(runtime.NumGoroutine()),
		"GOMAXPROCS":     resource.Scalar(runtime.GOMAXPROCS(0)),
		"NumCPU":         resource.Scalar(runtime.NumCPU()),
		"CgoCalls":       resource.Scalar(runtime.NumCgoCall()),
	}
}

func gcSnapshot() resource.Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := resource.Snapshot{
		"CollectionCount": resource.Scalar(ms.NumGC),
		"CollectionTime":  resource.Scalar(time.Duration(ms.PauseTotalNs).Milliseconds()),
		"ForcedCount":     resource.Scalar(ms.NumForcedGC),
		"NextGC":          resource.Scalar(ms.NextGC),
		"CPUFraction":     resource.Scalar(ms.GCCPUFraction),
		"PauseHistory":    resource.TableOf(pauseHistory(&ms)),
		"LastGcInfo":      resource.Null(),
	}
	if ms.NumGC > 0 {
		snap["LastGcInfo"] = resource.RecordOf(lastGCInfo(&ms))
	}
	return snap
}

func (r *Runtime) processSnapshot() resource.Snapshot {
	host, _ := os.Hostname()
	return resource.Snapshot{
		"Version":   resource.Scalar(runtime.Version()),
		"OS":        resource.Scalar(runtime.GOOS),
		"Arch":      resource.Scalar(runtime.GOARCH),
		"Pid":       resource.Scalar(os.Getpid()),
		"Hostname":  resource.Scalar(host),
		"StartTime": resource.Scalar(r.start.UTC().Format(time.RFC3339)),
		"Uptime":    resource.Scalar(time.Since(r.start).Milliseconds()),
	}
}

func lastGCInfo(ms *runtime.MemStats) *resource.Record {
	i := (ms.NumGC + 255) % 256
	return resource.NewRecord(
		resource.F("cycle", resource.Scalar(ms.NumGC)),
		resource.F("endTime", resource.Scalar(time.Unix(0, int64(ms.LastGC)).UTC().Format(time.RFC3339Nano))),
		resource.F("pauseNs", resource.Scalar(ms.PauseNs[i])),
		resource.F("heapAfter", resource.Scalar(ms.HeapAlloc)),
		resource.F("nextGC", resource.Scalar(ms.NextGC)),
	)
}

// pauseHistory returns the most recent GC pauses indexed by cycle number.
func pauseHistory(ms *runtime.MemStats) *resource.Table {
	t := resource.NewTable([]string{"cycle"})
	n := ms.NumGC
	for k := uint32(0); k < pauseHistoryLen && k < n; k++ {
		cycle := n - k
		i := (cycle + 255) % 256
		t.Rows = append(t.Rows, resource.NewRecord(
			resource.F("cycle", resource.Scalar(cycle)),
			resource.F("pauseNs", resource.Scalar(ms.PauseNs[i])),
			resource.F("end", resource.Scalar(time.Unix(0, int64(ms.PauseEnd[i])).UTC().Format(time.RFC3339Nano))),
		))
	}
	return t
}
