// Package sequencer installs packet queues on the timing FPGA and reads back
// its state.
//
// The FPGA keeps everything in small files under one directory: one file per
// packet named by its ID, the queue files listing packet IDs, three counters
// per queue and a handful of control files.
package sequencer

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// DefaultDir is the sequencer directory on the FPGA
const DefaultDir = "/tmp/sequencer_fs"

// queue names
const (
	AcquisitionQueue = "queue"
	IdleQueue1       = "queue1"
	IdleQueue2       = "queue2"
)

// Queues lists every queue
var Queues = []string{AcquisitionQueue, IdleQueue1, IdleQueue2}

// control file names
const (
	CurrentQueueName       = "current_queue_name"
	NextQueueName          = "next_queue_name"
	DefaultQueueName       = "default_queue_name"
	NextQueueSequenceCount = "next_queue_sequence_count"
	CurrentSequenceLength  = "current_sequence_length"
	InterruptEnabled       = "interrupt_enabled"
	SequencerEnabled       = "sequencer_enabled"
)

// counter suffixes
const (
	SequenceCount  = "sequence_count"
	RepeatCount    = "repeat_count"
	MaxRepeatCount = "max_repeat_count"
)

// counterWidth is the minimum width of a counter file without the newline
const counterWidth = 20

// CounterFile names one of the three counters of queue
func CounterFile(queue, counter string) string {
	return queue + "_" + counter
}

// FormatCount renders n as a fixed width, right padded decimal with a
// trailing newline
func FormatCount(n int64) []byte {
	return []byte(fmt.Sprintf("%-*d\n", counterWidth, n))
}

// ParseCount is the inverse of FormatCount; an empty file reads as zero
func ParseCount(b []byte) (int64, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// FormatQueue renders packet IDs one per line
func FormatQueue(ids []string) []byte {
	if len(ids) == 0 {
		return nil
	}
	return []byte(strings.Join(ids, "\n") + "\n")
}

// ParseQueue is the inverse of FormatQueue
func ParseQueue(b []byte) []string {
	var out []string
	for _, l := range strings.Split(string(b), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// IsPacketName reports whether name looks like a packet ID (32 hex digits)
func IsPacketName(name string) bool {
	if len(name) != 32 {
		return false
	}
	for _, c := range name {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}

func join(dir, name string) string {
	return path.Join(dir, name)
}
