package peer

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTransferTracker(t *testing.T) {
	tr := NewTransferTracker("download", "f.bin", "127.0.0.1:8001", 0)
	if tr.State() != TransferPending {
		t.Fatalf("state = %v", tr.State())
	}

	tr.SetTotal(200)
	tr.Write(make([]byte, 50))
	if got := tr.Percent(); got != 25 {
		t.Fatalf("Percent = %v, want 25", got)
	}
	tr.Resumed()
	tr.Write(make([]byte, 150))
	tr.Complete()

	done, total, _ := tr.Progress()
	if done != 200 || total != 200 || tr.State() != TransferCompleted || tr.Resumes() != 1 {
		t.Fatalf("tracker = %d/%d %v resumes=%d", done, total, tr.State(), tr.Resumes())
	}
	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed after Complete")
	}
}

func TestTransferTrackerFail(t *testing.T) {
	tr := NewTransferTracker("upload", "f.bin", "peer", 10)
	cause := errors.New("boom")
	tr.Fail(cause)
	tr.Fail(cause)
	if tr.State() != TransferFailed || !errors.Is(tr.Err(), cause) {
		t.Fatalf("state = %v err = %v", tr.State(), tr.Err())
	}
}

func TestRendererFinalLines(t *testing.T) {
	var out bytes.Buffer
	tr := NewTransferTracker("download", "song.mp3", "peer", 2048)
	tr.Write(make([]byte, 2048))
	tr.Complete()

	r := NewProgressRenderer(tr, &out, false)
	r.SetRefreshRate(time.Millisecond)
	go r.Start()
	r.StopAndWait()
	if !strings.Contains(out.String(), "100%") || !strings.Contains(out.String(), "2.0 KB") {
		t.Fatalf("output = %q", out.String())
	}

	out.Reset()
	failed := NewTransferTracker("upload", "doc.txt", "peer", 10)
	failed.Fail(errors.New("connection reset"))
	r = NewProgressRenderer(failed, &out, false)
	go r.Start()
	r.StopAndWait()
	if !strings.Contains(out.String(), "upload failed: connection reset") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestFormatHelpers(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{formatBytes(512), "512.0 B"},
		{formatBytes(1536), "1.5 KB"},
		{formatBytes(3 * 1024 * 1024), "3.0 MB"},
		{formatDuration(500 * time.Millisecond), "<1s"},
		{formatDuration(42 * time.Second), "42s"},
		{formatDuration(125 * time.Second), "2m5s"},
		{formatDuration(2*time.Hour + 5*time.Minute), "2h5m"},
		{formatETA(0), "∞"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}
