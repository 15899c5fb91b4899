package exec

import (
	"context"
	"log/slog"
	"os/exec"
	"slices"
	"testing"
	"time"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func echoCommand(out string) ExecCommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "echo", "-n", out)
	}
}

// captureCommand 记录被执行的命令行, 输出固定内容.
func captureCommand(out string, got *[]string) ExecCommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		*got = append([]string{name}, args...)
		return exec.CommandContext(ctx, "echo", "-n", out)
	}
}

func newTestClient(f ExecCommandFunc) *Client {
	logger := slog.New(slog.NewTextHandler(discard{}, nil))
	return New(f, "/usr/bin/sudo", "/usr/bin/sbatch", "/usr/bin/squeue", 5*time.Second, logger)
}

func TestSubmitParsesParsableOutput(t *testing.T) {
	cases := []struct {
		output string
		want   int64
	}{
		{"4242\n", 4242},
		{"4242;cluster1\n", 4242},
	}
	for _, tc := range cases {
		c := newTestClient(echoCommand(tc.output))
		id, err := c.Submit(context.Background(), "jdoe", "/work", "/work/entry.sh")
		if err != nil {
			t.Fatalf("Submit(%q): %v", tc.output, err)
		}
		if id != tc.want {
			t.Errorf("Submit(%q) = %d, want %d", tc.output, id, tc.want)
		}
	}
}

func TestSubmitRejectsGarbageOutput(t *testing.T) {
	c := newTestClient(echoCommand("sbatch: error: something"))
	if _, err := c.Submit(context.Background(), "jdoe", "/work", "/work/entry.sh"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestJobState(t *testing.T) {
	var cmdline []string
	c := newTestClient(captureCommand("RUNNING|None\n", &cmdline))
	state, reason, err := c.JobState(context.Background(), "jdoe", 4242)
	if err != nil {
		t.Fatalf("JobState: %v", err)
	}
	if state != "RUNNING" || reason != "" {
		t.Errorf("JobState = (%q, %q), want (RUNNING, \"\")", state, reason)
	}
	// -t all 不可丢: 默认过滤会让已结束但仍在 slurmctld 中的作业查不到.
	want := []string{"/usr/bin/sudo", "-n", "-u", "jdoe", "/usr/bin/squeue",
		"-h", "-t", "all", "-j", "4242", "-o", "%T|%r"}
	if !slices.Equal(cmdline, want) {
		t.Errorf("squeue cmdline = %v, want %v", cmdline, want)
	}
}

func TestJobStateEmptyOutputMeansNotVisible(t *testing.T) {
	c := newTestClient(echoCommand(""))
	state, _, err := c.JobState(context.Background(), "jdoe", 4242)
	if err != nil {
		t.Fatalf("JobState: %v", err)
	}
	if state != "" {
		t.Errorf("state = %q, want empty", state)
	}
}

func TestJobStateCarriesFailureReason(t *testing.T) {
	c := newTestClient(echoCommand("PENDING|ReqNodeNotAvail\n"))
	state, reason, err := c.JobState(context.Background(), "jdoe", 4242)
	if err != nil {
		t.Fatalf("JobState: %v", err)
	}
	if state != "PENDING" || reason != "ReqNodeNotAvail" {
		t.Errorf("JobState = (%q, %q)", state, reason)
	}
}
