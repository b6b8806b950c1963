// Package trace records node build timing as Chrome trace-event JSON
// (spec.md §1's build log output), so a run's node schedule can be opened
// directly in chrome://tracing or Perfetto to see which nodes overlapped
// and which one kept the rest of the build waiting. This package only
// produces the event stream; rendering it into a report is an external
// collaborator.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/edit

var start = time.Now()

var (
	sinkMu sync.Mutex
	sink   io.Writer = io.Discard
)

// Sink writes all following Event()s as a Chrome trace event file into w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	// Start the JSON Array Format
	w.Write([]byte{'['})
	// The ] at the end is optional, so we skip it
}

// Enable is a convenience function for creating a file in
// $TMPDIR/fbuild.traces/prefix.$PID.
//
// The filename assumes the OS does not frequently re-use the same pid.
func Enable(prefix string) error {
	fn := filepath.Join(os.TempDir(), "fbuild.traces", fmt.Sprintf("%s.%d", prefix, os.Getpid()))
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

// NodeEvent is a single complete event (Type "X", start timestamp plus
// duration) for one node's build step, emitted once per node by
// internal/exec's executor around a node's Job.Run.
type NodeEvent struct {
	Name           string      `json:"name"` // node name, as displayed in Trace Viewer
	Categories     string      `json:"cat"`  // event categories (comma-separated)
	Type           string      `json:"ph"`   // event type (single character): B, E, or X
	ClockTimestamp uint64      `json:"ts"`   // tracing clock timestamp (microsecond granularity)
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"` // process ID for the process that output this event
	Tid            uint64      `json:"tid"` // worker slot that built this node
	Args           interface{} `json:"args"`

	start time.Time
}

// Done marks the event complete and writes it to the active Sink.
func (ne *NodeEvent) Done() {
	ne.Duration = uint64(time.Since(ne.start) / time.Microsecond)
	b, err := json.Marshal(ne)
	if err != nil {
		panic(err)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[trace] %v", err)
	}
}

// Event starts a NodeEvent for name on worker slot tid.
func Event(name string, tid int) *NodeEvent {
	return &NodeEvent{
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		start:          time.Now(),
	}
}
