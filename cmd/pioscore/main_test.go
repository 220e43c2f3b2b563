package main

import (
	"sync"
	"testing"

	"github.com/khannotations/pios/circbuf"
	"github.com/khannotations/pios/proc"
	"github.com/khannotations/pios/rendez"
)

var schedOnce sync.Once

// ensureScheduler starts the two simulated CPUs' dispatch loops and wires
// a console, shared across this file's tests the way main does for the
// scripted demo.
func ensureScheduler() {
	schedOnce.Do(func() {
		go proc.Ready.Sched(0)
		go proc.Ready.Sched(1)

		cb := &circbuf.Circbuf_t{}
		cb.Cb_init(4096)
		rendez.Console = cb
	})
}

// TestPingPong, TestRoundRobinPreemption and TestTrapReflection are the
// literal integration test names kern/proc.c's proc_check harness is
// restored under; TestCopyOnWrite, TestThreeWayMerge and
// TestMigrationCycle cover the remaining three scenarios the same way.

func TestPingPong(t *testing.T) {
	ensureScheduler()
	if err := scenarioPingPong(); err != nil {
		t.Fatal(err)
	}
}

func TestRoundRobinPreemption(t *testing.T) {
	ensureScheduler()
	if err := scenarioRoundRobin(); err != nil {
		t.Fatal(err)
	}
}

func TestTrapReflection(t *testing.T) {
	ensureScheduler()
	if err := scenarioTrapReflection(); err != nil {
		t.Fatal(err)
	}
}

func TestCopyOnWrite(t *testing.T) {
	ensureScheduler()
	if err := scenarioCOW(); err != nil {
		t.Fatal(err)
	}
}

func TestThreeWayMerge(t *testing.T) {
	ensureScheduler()
	if err := scenarioMerge(); err != nil {
		t.Fatal(err)
	}
}

func TestMigrationCycle(t *testing.T) {
	ensureScheduler()
	if err := scenarioMigration(); err != nil {
		t.Fatal(err)
	}
}
