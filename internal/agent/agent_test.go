package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/controlplane"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/slurmrest"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/config"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/identity"
	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type report struct {
	id  int64
	upd controlplane.StatusUpdate
}

type fakeControlPlane struct {
	mu      sync.Mutex
	pending []controlplane.PendingSubmission
	active  []controlplane.ActiveSubmission
	files   map[string][]byte
	reports []report
}

func (f *fakeControlPlane) GetPendingSubmissions(context.Context) ([]controlplane.PendingSubmission, error) {
	return f.pending, nil
}

func (f *fakeControlPlane) GetActiveSubmissions(context.Context) ([]controlplane.ActiveSubmission, error) {
	return f.active, nil
}

func (f *fakeControlPlane) ReportStatus(_ context.Context, id int64, upd controlplane.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report{id: id, upd: upd})
	return nil
}

func (f *fakeControlPlane) DownloadFile(_ context.Context, url string) ([]byte, error) {
	body, ok := f.files[url]
	if !ok {
		return nil, errors.Transient("download file", 404, nil)
	}
	return body, nil
}

type fakeScheduler struct {
	submitID  int64
	submitErr error
	lastUser  string
	lastToken string
	lastReq   slurmrest.SubmitRequest

	jobs    map[int64]*slurmrest.JobInfo
	jobErrs map[int64]error
}

func (f *fakeScheduler) SubmitJob(_ context.Context, user, token string, req slurmrest.SubmitRequest) (int64, error) {
	f.lastUser, f.lastToken, f.lastReq = user, token, req
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeScheduler) GetJob(_ context.Context, _, _ string, jobID int64) (*slurmrest.JobInfo, error) {
	if err, ok := f.jobErrs[jobID]; ok {
		return nil, err
	}
	return f.jobs[jobID], nil
}

type fakeTokens struct{ calls int }

func (f *fakeTokens) Acquire(context.Context, string) (string, error) {
	f.calls++
	return "test-token", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Submission.WorkDir = t.TempDir()
	cfg.Reconcile.NotFoundLimit = 10
	cfg.Scheduler.QueryUsername = "slurm"
	return cfg
}

func newTestAgent(t *testing.T, cp ControlPlane, sched Scheduler) *Agent {
	t.Helper()
	return New(testConfig(t), cp, sched, nil,
		identity.Static{Username: "jdoe"}, &fakeTokens{}, testLogger())
}

func TestSubmissionCycleSuccess(t *testing.T) {
	script := "#!/bin/bash\n#SBATCH --job-name=foo\n#SBATCH --time=30\nsrun hostname\n"
	cp := &fakeControlPlane{
		pending: []controlplane.PendingSubmission{{
			ID:         17,
			Name:       "test-job",
			OwnerEmail: "jdoe@site.org",
			Files: []controlplane.SubmissionFile{
				{Filename: "entry.sh", RelativePath: "entry.sh", Role: controlplane.RoleEntrypoint, URL: "blob://entry"},
				{Filename: "data.csv", RelativePath: "inputs/data.csv", Role: controlplane.RoleSupport, URL: "blob://data"},
			},
		}},
		files: map[string][]byte{
			"blob://entry": []byte(script),
			"blob://data":  []byte("1,2,3\n"),
		},
	}
	sched := &fakeScheduler{submitID: 4242}
	a := newTestAgent(t, cp, sched)

	a.runSubmissionCycle(context.Background())

	if sched.lastUser != "jdoe" {
		t.Errorf("acting identity = %q, want jdoe", sched.lastUser)
	}
	if sched.lastReq.Job["name"] != "foo" {
		t.Errorf(`job["name"] = %v, want "foo" (script value wins over computed name)`, sched.lastReq.Job["name"])
	}
	if sched.lastReq.Job["time_limit"] != "30" {
		t.Errorf(`job["time_limit"] = %v, want "30"`, sched.lastReq.Job["time_limit"])
	}
	if sched.lastReq.Script != script {
		t.Errorf("entrypoint text not forwarded verbatim")
	}
	if len(cp.reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(cp.reports))
	}
	r := cp.reports[0]
	if r.id != 17 || r.upd.Status != controlplane.StatusSubmitted {
		t.Errorf("unexpected report: %+v", r)
	}
	if r.upd.SlurmJobID == nil || *r.upd.SlurmJobID != 4242 {
		t.Errorf("scheduler job id not attached: %+v", r.upd)
	}
}

func TestSubmissionCycleSchedulerRejection(t *testing.T) {
	cp := &fakeControlPlane{
		pending: []controlplane.PendingSubmission{{
			ID:         18,
			Name:       "bad-job",
			OwnerEmail: "jdoe@site.org",
			Files: []controlplane.SubmissionFile{
				{Filename: "entry.sh", RelativePath: "entry.sh", Role: controlplane.RoleEntrypoint, URL: "blob://entry"},
			},
		}},
		files: map[string][]byte{"blob://entry": []byte("#SBATCH --job-name=foo\n")},
	}
	sched := &fakeScheduler{submitErr: errors.Transient("submit job: invalid partition", 400, nil)}
	a := newTestAgent(t, cp, sched)

	a.runSubmissionCycle(context.Background())

	if len(cp.reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(cp.reports))
	}
	r := cp.reports[0]
	if r.upd.Status != controlplane.StatusRejected {
		t.Errorf("status = %s, want REJECTED", r.upd.Status)
	}
	if r.upd.ReportMessage == "" {
		t.Error("rejection must carry a report message")
	}
	if !strings.Contains(r.upd.ReportMessage, "submission 18") {
		t.Errorf("reason %q should reference the submission id", r.upd.ReportMessage)
	}
}

func TestSubmissionCycleMissingEntrypoint(t *testing.T) {
	cp := &fakeControlPlane{
		pending: []controlplane.PendingSubmission{{
			ID:         19,
			Name:       "no-entry",
			OwnerEmail: "jdoe@site.org",
			Files: []controlplane.SubmissionFile{
				{Filename: "data.csv", RelativePath: "data.csv", Role: controlplane.RoleSupport, URL: "blob://data"},
			},
		}},
		files: map[string][]byte{"blob://data": []byte("1\n")},
	}
	a := newTestAgent(t, cp, &fakeScheduler{submitID: 1})

	a.runSubmissionCycle(context.Background())

	if len(cp.reports) != 1 || cp.reports[0].upd.Status != controlplane.StatusRejected {
		t.Fatalf("missing entrypoint should reject: %+v", cp.reports)
	}
	if !strings.Contains(cp.reports[0].upd.ReportMessage, "entrypoint") {
		t.Errorf("reason %q should mention the missing entrypoint", cp.reports[0].upd.ReportMessage)
	}
}

func TestSubmissionCycleRejectsEscapingRelativePath(t *testing.T) {
	cp := &fakeControlPlane{
		pending: []controlplane.PendingSubmission{{
			ID:         22,
			Name:       "escape",
			OwnerEmail: "jdoe@site.org",
			Files: []controlplane.SubmissionFile{
				{Filename: "entry.sh", RelativePath: "../../etc/cron.d/entry.sh", Role: controlplane.RoleEntrypoint, URL: "blob://entry"},
			},
		}},
		files: map[string][]byte{"blob://entry": []byte("#SBATCH --job-name=x\n")},
	}
	a := newTestAgent(t, cp, &fakeScheduler{submitID: 1})

	a.runSubmissionCycle(context.Background())

	if len(cp.reports) != 1 || cp.reports[0].upd.Status != controlplane.StatusRejected {
		t.Fatalf("non-local relative path should reject: %+v", cp.reports)
	}
	if !strings.Contains(cp.reports[0].upd.ReportMessage, "non-local relative path") {
		t.Errorf("reason %q should name the offending path", cp.reports[0].upd.ReportMessage)
	}
}

func TestSubmissionCycleOneFailureDoesNotAbortTheBatch(t *testing.T) {
	cp := &fakeControlPlane{
		pending: []controlplane.PendingSubmission{
			{ID: 20, Name: "broken", OwnerEmail: "jdoe@site.org",
				Files: []controlplane.SubmissionFile{
					{Filename: "entry.sh", RelativePath: "entry.sh", Role: controlplane.RoleEntrypoint, URL: "blob://missing"},
				}},
			{ID: 21, Name: "fine", OwnerEmail: "jdoe@site.org",
				Files: []controlplane.SubmissionFile{
					{Filename: "entry.sh", RelativePath: "entry.sh", Role: controlplane.RoleEntrypoint, URL: "blob://entry"},
				}},
		},
		files: map[string][]byte{"blob://entry": []byte("#SBATCH --job-name=ok\n")},
	}
	a := newTestAgent(t, cp, &fakeScheduler{submitID: 7})

	a.runSubmissionCycle(context.Background())

	if len(cp.reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(cp.reports))
	}
	if cp.reports[0].upd.Status != controlplane.StatusRejected {
		t.Errorf("first item should be rejected: %+v", cp.reports[0])
	}
	if cp.reports[1].upd.Status != controlplane.StatusSubmitted {
		t.Errorf("second item should still be submitted: %+v", cp.reports[1])
	}
}

func TestReconcileCycleScenario(t *testing.T) {
	cp := &fakeControlPlane{
		active: []controlplane.ActiveSubmission{
			{ID: 1, SlurmJobID: 101}, // COMPLETED
			{ID: 2, SlurmJobID: 102}, // FAILED with reason
			{ID: 3, SlurmJobID: 103}, // not visible yet
			{ID: 4, SlurmJobID: 104}, // query fails
			{ID: 5, SlurmJobID: 105}, // CANCELLED
			{ID: 6, SlurmJobID: 106}, // unmapped state, stays in flight
		},
	}
	sched := &fakeScheduler{
		jobs: map[int64]*slurmrest.JobInfo{
			101: {JobID: 101, JobState: "COMPLETED"},
			102: {JobID: 102, JobState: "FAILED", StateReason: "NonZeroExitCode"},
			103: nil,
			105: {JobID: 105, JobState: "CANCELLED"},
			106: {JobID: 106, JobState: "SPOOLING_UP"},
		},
		jobErrs: map[int64]error{104: errors.Transient("get job", 400, nil)},
	}
	a := newTestAgent(t, cp, sched)

	a.runReconcileCycle(context.Background())

	if len(cp.reports) != 3 {
		t.Fatalf("got %d reports, want exactly 3: %+v", len(cp.reports), cp.reports)
	}
	byID := map[int64]controlplane.StatusUpdate{}
	for _, r := range cp.reports {
		byID[r.id] = r.upd
	}
	if byID[1].Status != controlplane.StatusDone {
		t.Errorf("submission 1 = %+v, want DONE", byID[1])
	}
	if byID[2].Status != controlplane.StatusAborted || byID[2].ReportMessage != "NonZeroExitCode" {
		t.Errorf("submission 2 = %+v, want ABORTED with reason", byID[2])
	}
	if byID[5].Status != controlplane.StatusCancelled {
		t.Errorf("submission 5 = %+v, want CANCELLED", byID[5])
	}
}

func TestReconcileNotFoundLimitReportsUnknown(t *testing.T) {
	cp := &fakeControlPlane{
		active: []controlplane.ActiveSubmission{{ID: 9, SlurmJobID: 900}},
	}
	sched := &fakeScheduler{jobs: map[int64]*slurmrest.JobInfo{900: nil}}
	a := newTestAgent(t, cp, sched)
	a.cfg.Reconcile.NotFoundLimit = 3

	ctx := context.Background()
	a.runReconcileCycle(ctx)
	a.runReconcileCycle(ctx)
	if len(cp.reports) != 0 {
		t.Fatalf("below the limit no report should be issued: %+v", cp.reports)
	}
	a.runReconcileCycle(ctx)
	if len(cp.reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(cp.reports))
	}
	if cp.reports[0].upd.Status != controlplane.StatusUnknown {
		t.Errorf("status = %s, want UNKNOWN", cp.reports[0].upd.Status)
	}
}

func TestReconcileReportsOnlyOnChange(t *testing.T) {
	cp := &fakeControlPlane{
		active: []controlplane.ActiveSubmission{{ID: 11, SlurmJobID: 110}},
	}
	sched := &fakeScheduler{jobs: map[int64]*slurmrest.JobInfo{
		110: {JobID: 110, JobState: "RUNNING"},
	}}
	a := newTestAgent(t, cp, sched)

	ctx := context.Background()
	a.runReconcileCycle(ctx)
	a.runReconcileCycle(ctx)
	if len(cp.reports) != 0 {
		t.Errorf("RUNNING maps to the already-known SUBMITTED, no report expected: %+v", cp.reports)
	}
}

func TestMapJobStateTotality(t *testing.T) {
	valid := map[string]bool{
		controlplane.StatusDone:      true,
		controlplane.StatusAborted:   true,
		controlplane.StatusCancelled: true,
		controlplane.StatusSubmitted: true,
	}
	for state, status := range jobStateTable {
		if !valid[status] {
			t.Errorf("table maps %s to unexpected status %s", state, status)
		}
	}
	if got := MapJobState("SOME_FUTURE_STATE"); got != controlplane.StatusSubmitted {
		t.Errorf("unmapped state should default to SUBMITTED, got %s", got)
	}
	if isTerminal(MapJobState("SOME_FUTURE_STATE")) {
		t.Error("default mapping must be non-terminal")
	}
}
