package progress

import "testing"

type recordingSink struct {
	reports   []string
	completed []string
}

func (r *recordingSink) Report(operationID string, percentage int, message string) {
	r.reports = append(r.reports, operationID+": "+message)
}

func (r *recordingSink) Completed(operationID string, success bool, message string) {
	r.completed = append(r.completed, operationID+": "+message)
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	m := MultiSink{a, b}

	m.Report("op-1", 50, "halfway")
	m.Completed("op-1", true, "done")

	for _, s := range []*recordingSink{a, b} {
		if len(s.reports) != 1 || len(s.completed) != 1 {
			t.Fatalf("sink missed events: %+v", s)
		}
		if s.reports[0] != "op-1: halfway" || s.completed[0] != "op-1: done" {
			t.Errorf("unexpected events: %+v", s)
		}
	}
}

func TestNopSinkIsSafe(t *testing.T) {
	var s NopSink
	s.Report("op-1", 10, "x")
	s.Completed("op-1", false, "y")
}
