package utils

import (
	"bytes"
	"strings"
	"testing"
)

func TestProgressTracker_Quiet(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTrackerWithWriter(300, true, &buf)
	if !tracker.IsQuiet() {
		t.Error("Expected quiet tracker to be in quiet mode")
	}

	tracker.Update(150, 2)

	items, pages, percentage := tracker.GetCurrentStats()
	if items != 150 || pages != 2 {
		t.Errorf("Expected 150 items over 2 pages, got %d over %d", items, pages)
	}
	if percentage != 50.0 {
		t.Errorf("Expected 50%% progress, got %.1f%%", percentage)
	}

	summary := tracker.Finish("Friends")
	if summary.Items != 150 || summary.Pages != 2 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if summary.ListName != "Friends" {
		t.Errorf("Expected list name in summary, got %q", summary.ListName)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected no output in quiet mode, got %q", buf.String())
	}
}

func TestProgressTracker_WritesSummary(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTrackerWithWriter(300, false, &buf)

	tracker.Update(100, 1)
	tracker.Update(200, 2)
	tracker.Finish("Writers")

	out := buf.String()
	if !strings.Contains(out, "List: Writers") {
		t.Errorf("Expected list name in output, got %q", out)
	}
	if !strings.Contains(out, "Collected 200 items from 2 pages") {
		t.Errorf("Expected summary line in output, got %q", out)
	}
}

func TestProgressTracker_PercentageClamped(t *testing.T) {
	tracker := NewProgressTrackerWithWriter(300, true, &bytes.Buffer{})
	tracker.Update(400, 4)

	_, _, percentage := tracker.GetCurrentStats()
	if percentage != 100 {
		t.Errorf("Expected percentage clamped to 100, got %.1f", percentage)
	}
}

func TestProgressTracker_ZeroTotal(t *testing.T) {
	tracker := NewProgressTrackerWithWriter(0, true, &bytes.Buffer{})
	tracker.Update(0, 1)

	_, _, percentage := tracker.GetCurrentStats()
	if percentage != 0 {
		t.Errorf("Expected 0%% for zero total, got %.1f", percentage)
	}
}
