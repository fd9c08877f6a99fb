package scan_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/adjudicate"
	"github.com/linnemanlabs/sift/internal/artifact"
	"github.com/linnemanlabs/sift/internal/cluster"
	"github.com/linnemanlabs/sift/internal/finding"
	findingmem "github.com/linnemanlabs/sift/internal/finding/memstore"
	"github.com/linnemanlabs/sift/internal/sarif"
	"github.com/linnemanlabs/sift/internal/scan"
	"github.com/linnemanlabs/sift/internal/scan/memstore"
	"github.com/linnemanlabs/sift/internal/scanner"
)

// stubCloner returns a fixed commit without touching the filesystem.
type stubCloner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *stubCloner) Clone(_ context.Context, _, _, _ string) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	return "abc123", nil
}

func (c *stubCloner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// stubExecutor returns canned tool results. With block set it signals
// started and waits for cancellation instead.
type stubExecutor struct {
	mu      sync.Mutex
	calls   int
	results []*scanner.ToolResult
	err     error

	block   bool
	started chan struct{}
}

func (e *stubExecutor) Run(ctx context.Context, _ scanner.Spec) ([]*scanner.ToolResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.block {
		close(e.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.results, nil
}

func (e *stubExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// stubNotifier records notifications.
type stubNotifier struct {
	mu        sync.Mutex
	finished  []string
	summaries []string
	storage   int
}

func (n *stubNotifier) ScanFinished(_ context.Context, job *scan.ScanJob, summary string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, job.ID)
	n.summaries = append(n.summaries, summary)
	return nil
}

func (n *stubNotifier) StorageWarning(_ context.Context, _ string, _, _ int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.storage++
	return nil
}

func (n *stubNotifier) lastSummary() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.summaries) == 0 {
		return ""
	}
	return n.summaries[len(n.summaries)-1]
}

func (n *stubNotifier) storageWarnings() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.storage
}

type stubAdjudicator struct {
	mu   sync.Mutex
	reqs []adjudicate.RunRequest
}

func (a *stubAdjudicator) Run(_ context.Context, req adjudicate.RunRequest) (*adjudicate.RunSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	return &adjudicate.RunSummary{}, nil
}

func (a *stubAdjudicator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reqs)
}

type stubClusterer struct {
	mu    sync.Mutex
	calls int
}

func (c *stubClusterer) Run(_ context.Context, _ string, _ cluster.RunOptions) (*cluster.RunSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return &cluster.RunSummary{}, nil
}

func (c *stubClusterer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// testDeps bundles the in-memory collaborators behind a Service.
type testDeps struct {
	store       *memstore.Store
	findings    *findingmem.Store
	arts        *artifact.Memory
	cloner      *stubCloner
	executor    *stubExecutor
	notifier    *stubNotifier
	adjudicator *stubAdjudicator
	clusterer   *stubClusterer
}

func newTestDeps() *testDeps {
	return &testDeps{
		store:       memstore.New(),
		findings:    findingmem.New(),
		arts:        artifact.NewMemory(),
		cloner:      &stubCloner{},
		executor:    &stubExecutor{},
		notifier:    &stubNotifier{},
		adjudicator: &stubAdjudicator{},
		clusterer:   &stubClusterer{},
	}
}

func (d *testDeps) newService(t *testing.T, opts scan.Options) *scan.Service {
	t.Helper()
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "test-worker"
	}
	deduper := finding.NewDeduper(d.findings, log.Nop())
	return scan.NewService(d.store, scan.Deps{
		Cloner:      d.cloner,
		Executor:    d.executor,
		Normalizer:  sarif.NewNormalizer(deduper, log.Nop()),
		Artifacts:   d.arts,
		Adjudicator: d.adjudicator,
		Clusterer:   d.clusterer,
		Notifier:    d.notifier,
		Logger:      log.Nop(),
	}, opts)
}

func submitReq() scan.SubmitRequest {
	return scan.SubmitRequest{
		OrgID:   "org-1",
		RepoID:  "repo-1",
		RepoURL: "https://github.com/acme/api",
		Branch:  "main",
		Tools:   []string{"semgrep", "bandit"},
	}
}

// waitTerminal polls the store until the job reaches a terminal status.
// Reads go through the store to avoid racing the pipeline goroutine.
func waitTerminal(t *testing.T, store *memstore.Store, id string) *scan.ScanJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, _ := store.GetScan(context.Background(), id)
		if ok && job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scan did not reach a terminal status within deadline")
	return nil
}

func sarifResult(rule, file string, line int, msg string) sarif.Result {
	return sarif.Result{
		RuleID:  rule,
		Level:   "error",
		Message: sarif.Message{Text: msg},
		Locations: []sarif.Location{{
			PhysicalLocation: sarif.PhysicalLocation{
				ArtifactLocation: sarif.ArtifactLocation{URI: file},
				Region:           sarif.Region{StartLine: line, StartColumn: 1},
			},
		}},
	}
}

func sarifFor(tool string, results ...sarif.Result) []byte {
	doc := sarif.Log{
		Version: "2.1.0",
		Runs: []sarif.Run{{
			Tool:    sarif.Tool{Driver: sarif.Driver{Name: tool}},
			Results: results,
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

func TestSubmit_RunsPipelineToCompletion(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	// Both tools report the SQL injection at the same location; it must
	// dedup into one finding with one occurrence bump.
	d.executor.results = []*scanner.ToolResult{
		{Tool: "semgrep", Success: true, FindingsCount: 2, SARIF: sarifFor("semgrep",
			sarifResult("py.sql-injection", "app/main.py", 10, "SQL injection risk"),
			sarifResult("py.weak-hash", "app/crypto.py", 22, "weak hash algorithm"),
		)},
		{Tool: "bandit", Success: true, FindingsCount: 1, SARIF: sarifFor("bandit",
			sarifResult("py.sql-injection", "app/main.py", 10, "SQL injection risk"),
		)},
	}
	svc := d.newService(t, scan.Options{})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != scan.StatusQueued {
		t.Errorf("Status = %q, want %q at submit", job.Status, scan.StatusQueued)
	}

	final := waitTerminal(t, d.store, job.ID)
	if final.Status != scan.StatusCompleted {
		t.Fatalf("Status = %q (error %q), want completed", final.Status, final.Error)
	}
	if final.Stage != scan.StageDone {
		t.Errorf("Stage = %q, want %q", final.Stage, scan.StageDone)
	}
	if final.CommitSHA != "abc123" {
		t.Errorf("CommitSHA = %q, want %q", final.CommitSHA, "abc123")
	}
	if final.FindingsCreated != 2 {
		t.Errorf("FindingsCreated = %d, want 2", final.FindingsCreated)
	}
	if final.FindingsUpdated != 1 {
		t.Errorf("FindingsUpdated = %d, want 1", final.FindingsUpdated)
	}
	if final.NormalizeErrors != 0 {
		t.Errorf("NormalizeErrors = %d, want 0", final.NormalizeErrors)
	}
	// All three sightings are level error, the duplicate included.
	if len(final.SeverityCounts) != 1 || final.SeverityCounts["high"] != 3 {
		t.Errorf("SeverityCounts = %v, want map[high:3]", final.SeverityCounts)
	}
	if final.StartedAt == nil || final.FinishedAt == nil {
		t.Error("expected lifecycle stamps on a completed scan")
	}

	wantKey := artifact.Key("org-1", "repo-1", job.ID)
	if final.SARIFKey != wantKey {
		t.Errorf("SARIFKey = %q, want %q", final.SARIFKey, wantKey)
	}
	data, err := d.arts.Get(context.Background(), wantKey)
	if err != nil {
		t.Fatalf("artifact Get: %v", err)
	}
	if final.SARIFSize != int64(len(data)) {
		t.Errorf("SARIFSize = %d, want %d", final.SARIFSize, len(data))
	}
	merged, err := sarif.Parse(data)
	if err != nil {
		t.Fatalf("Parse merged artifact: %v", err)
	}
	if len(merged.Runs) != 2 {
		t.Errorf("merged runs = %d, want 2", len(merged.Runs))
	}

	rows, err := d.findings.ListFindings(context.Background(), finding.ListFilter{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("findings = %d, want 2", len(rows))
	}

	if got := d.notifier.lastSummary(); got != "2 findings created, 1 updated" {
		t.Errorf("summary = %q, want %q", got, "2 findings created, 1 updated")
	}

	now := time.Now().UTC()
	usage, ok, err := d.store.GetQuota(context.Background(), "org-1", now.Year(), int(now.Month()))
	if err != nil || !ok {
		t.Fatalf("GetQuota: ok=%v err=%v", ok, err)
	}
	if usage.ScansUsed != 1 {
		t.Errorf("ScansUsed = %d, want 1", usage.ScansUsed)
	}
}

func TestSubmit_AppliesDefaultTools(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	svc := d.newService(t, scan.Options{})

	req := submitReq()
	req.Tools = nil
	job, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(job.Tools) != len(scan.DefaultTools) {
		t.Fatalf("Tools = %v, want defaults %v", job.Tools, scan.DefaultTools)
	}
	for i, name := range scan.DefaultTools {
		if job.Tools[i] != name {
			t.Errorf("Tools[%d] = %q, want %q", i, job.Tools[i], name)
		}
	}
	waitTerminal(t, d.store, job.ID)
}

func TestSubmit_ValidatesRequest(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	svc := d.newService(t, scan.Options{})

	_, err := svc.Submit(context.Background(), scan.SubmitRequest{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, scan.ErrInvalidRequest) {
		t.Errorf("error %q is not ErrInvalidRequest", err)
	}
	for _, want := range []string{"org_id is required", "repo_id is required", "repo_url is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}

	jobs, _ := svc.List(context.Background(), scan.ListFilter{})
	if len(jobs) != 0 {
		t.Errorf("jobs = %d, want 0 after rejected submit", len(jobs))
	}
	if d.cloner.count() != 0 {
		t.Errorf("cloner calls = %d, want 0", d.cloner.count())
	}
}

func TestSubmit_UnknownToolRejected(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	svc := d.newService(t, scan.Options{})

	req := submitReq()
	req.Tools = []string{"semgrep", "nessus"}
	_, err := svc.Submit(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), `unknown tool "nessus"`) {
		t.Fatalf("err = %v, want unknown tool rejection", err)
	}

	// Rejected before admission; no quota row should exist.
	now := time.Now().UTC()
	_, ok, _ := d.store.GetQuota(context.Background(), "org-1", now.Year(), int(now.Month()))
	if ok {
		t.Error("quota consumed by a rejected submit")
	}
}

func TestSubmit_QuotaExceeded(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	svc := d.newService(t, scan.Options{ScanQuotaMonthly: 1})

	first, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	waitTerminal(t, d.store, first.ID)

	_, err = svc.Submit(context.Background(), submitReq())
	if !errors.Is(err, scan.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	jobs, _ := svc.List(context.Background(), scan.ListFilter{OrgID: "org-1"})
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(jobs))
	}
}

func TestRun_PartialToolFailureCompletes(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	d.executor.results = []*scanner.ToolResult{
		{Tool: "semgrep", Success: true, FindingsCount: 1, SARIF: sarifFor("semgrep",
			sarifResult("py.sql-injection", "app/main.py", 10, "SQL injection risk"),
		)},
		{Tool: "bandit", Success: false, ExitCode: 2, Err: "crashed"},
	}
	svc := d.newService(t, scan.Options{})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, d.store, job.ID)
	if final.Status != scan.StatusCompleted {
		t.Fatalf("Status = %q (error %q), want completed despite one tool failing", final.Status, final.Error)
	}
	if len(final.ToolFailures) != 1 {
		t.Fatalf("ToolFailures = %v, want one entry", final.ToolFailures)
	}
	if final.ToolFailures[0].Tool != "bandit" || final.ToolFailures[0].ExitCode != 2 {
		t.Errorf("ToolFailures[0] = %+v, want bandit exit 2", final.ToolFailures[0])
	}
	if final.FindingsCreated != 1 {
		t.Errorf("FindingsCreated = %d, want 1", final.FindingsCreated)
	}
	if got := d.notifier.lastSummary(); !strings.Contains(got, "1 of 2 tools failed") {
		t.Errorf("summary = %q, want tool failure note", got)
	}
}

func TestRun_AllToolsFailedFatal(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	d.executor.results = []*scanner.ToolResult{
		{Tool: "semgrep", Success: false, ExitCode: 1, Err: "oom"},
		{Tool: "bandit", Success: false, ExitCode: 2, Err: "crashed"},
	}
	svc := d.newService(t, scan.Options{})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, d.store, job.ID)
	if final.Status != scan.StatusFailed {
		t.Fatalf("Status = %q, want failed", final.Status)
	}
	if final.ErrorKind != scan.ErrKindFatal {
		t.Errorf("ErrorKind = %q, want fatal", final.ErrorKind)
	}
	if !strings.Contains(final.Error, "all 2 tools failed") {
		t.Errorf("Error = %q, want all-tools message", final.Error)
	}
	if len(final.ToolFailures) != 2 {
		t.Errorf("ToolFailures = %d, want 2", len(final.ToolFailures))
	}
	if final.SARIFKey != "" {
		t.Errorf("SARIFKey = %q, want empty when nothing was produced", final.SARIFKey)
	}
}

func TestRun_MalformedToolOutputRecorded(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	d.executor.results = []*scanner.ToolResult{
		{Tool: "semgrep", Success: true, SARIF: []byte("{not sarif")},
		{Tool: "bandit", Success: true, SARIF: sarifFor("bandit",
			sarifResult("py.sql-injection", "app/main.py", 10, "SQL injection risk"),
		)},
	}
	svc := d.newService(t, scan.Options{})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, d.store, job.ID)
	if final.Status != scan.StatusCompleted {
		t.Fatalf("Status = %q (error %q), want completed", final.Status, final.Error)
	}
	if len(final.ToolFailures) != 1 {
		t.Fatalf("ToolFailures = %v, want one entry", final.ToolFailures)
	}
	if final.ToolFailures[0].Tool != "semgrep" {
		t.Errorf("failed tool = %q, want semgrep", final.ToolFailures[0].Tool)
	}
	if !strings.Contains(final.ToolFailures[0].Error, "malformed sarif output") {
		t.Errorf("failure = %q, want malformed sarif note", final.ToolFailures[0].Error)
	}
	if final.FindingsCreated != 1 {
		t.Errorf("FindingsCreated = %d, want 1 from the healthy tool", final.FindingsCreated)
	}
}

func TestRun_CloneFailureFatal(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	d.cloner.err = errors.New("authentication required")
	svc := d.newService(t, scan.Options{})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, d.store, job.ID)
	if final.Status != scan.StatusFailed {
		t.Fatalf("Status = %q, want failed", final.Status)
	}
	if final.ErrorKind != scan.ErrKindFatal {
		t.Errorf("ErrorKind = %q, want fatal", final.ErrorKind)
	}
	if !strings.Contains(final.Error, "fetch source") {
		t.Errorf("Error = %q, want fetch source context", final.Error)
	}
	if d.executor.count() != 0 {
		t.Errorf("executor calls = %d, want 0 after failed fetch", d.executor.count())
	}
}

func TestRun_CloneTimeoutTransient(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	d.cloner.err = context.DeadlineExceeded
	svc := d.newService(t, scan.Options{})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, d.store, job.ID)
	if final.Status != scan.StatusFailed {
		t.Fatalf("Status = %q, want failed", final.Status)
	}
	if final.ErrorKind != scan.ErrKindTransient {
		t.Errorf("ErrorKind = %q, want transient for a timeout", final.ErrorKind)
	}
}

func TestCancel_OrphanedQueuedJob(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	svc := d.newService(t, scan.Options{})

	// Seeded directly: no pipeline goroutine owns it, as after a restart.
	now := time.Now().UTC()
	seed := &scan.ScanJob{
		ID: "scan-orphan", OrgID: "org-1", RepoURL: "https://github.com/acme/api",
		Status: scan.StatusQueued, Stage: scan.StageFetch,
		QueuedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := d.store.CreateScan(context.Background(), seed); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	got, err := svc.Cancel(context.Background(), "scan-orphan")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != scan.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}

func TestCancel_RunningCooperative(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	d.executor.block = true
	d.executor.started = make(chan struct{})
	svc := d.newService(t, scan.Options{})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-d.executor.started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	if _, err := svc.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := waitTerminal(t, d.store, job.ID)
	if final.Status != scan.StatusCancelled {
		t.Fatalf("Status = %q, want cancelled", final.Status)
	}
	if final.Error != "cancelled by request" {
		t.Errorf("Error = %q, want %q", final.Error, "cancelled by request")
	}
}

func TestCancel_CompletedRejected(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	svc := d.newService(t, scan.Options{})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, d.store, job.ID)

	_, err = svc.Cancel(context.Background(), job.ID)
	if !errors.Is(err, scan.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	got, _, _ := svc.Get(context.Background(), job.ID)
	if got.Status != scan.StatusCompleted {
		t.Errorf("Status = %q, want completed to stick", got.Status)
	}
}

func TestCancel_CancelledIdempotent(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	svc := d.newService(t, scan.Options{})

	now := time.Now().UTC()
	seed := &scan.ScanJob{
		ID: "scan-twice", OrgID: "org-1", RepoURL: "https://github.com/acme/api",
		Status: scan.StatusQueued, Stage: scan.StageFetch,
		QueuedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	_ = d.store.CreateScan(context.Background(), seed)

	if _, err := svc.Cancel(context.Background(), "scan-twice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := svc.Cancel(context.Background(), "scan-twice")
	if err != nil {
		t.Fatalf("Cancel repeat: %v", err)
	}
	if got.Status != scan.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}

func TestCancel_Missing(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	svc := d.newService(t, scan.Options{})

	_, err := svc.Cancel(context.Background(), "nonexistent")
	if !errors.Is(err, scan.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResume_NormalizeStageSkipsExecute(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	ctx := context.Background()

	// A job interrupted after execute: artifact stored, stage persisted.
	now := time.Now().UTC()
	key := artifact.Key("org-1", "repo-1", "scan-resume")
	seed := &scan.ScanJob{
		ID: "scan-resume", OrgID: "org-1", RepoID: "repo-1",
		RepoURL: "https://github.com/acme/api",
		Status:  scan.StatusRunning, Stage: scan.StageNormalize,
		Tools: []string{"semgrep"}, CommitSHA: "abc123", SARIFKey: key,
		QueuedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := d.store.CreateScan(ctx, seed); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}
	data := sarifFor("semgrep", sarifResult("py.sql-injection", "app/main.py", 10, "SQL injection risk"))
	if err := d.arts.Put(ctx, key, data, artifact.ContentTypeSARIF); err != nil {
		t.Fatalf("Put artifact: %v", err)
	}

	svc := d.newService(t, scan.Options{})
	n, err := svc.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n != 1 {
		t.Fatalf("resumed = %d, want 1", n)
	}

	final := waitTerminal(t, d.store, "scan-resume")
	if final.Status != scan.StatusCompleted {
		t.Fatalf("Status = %q (error %q), want completed", final.Status, final.Error)
	}
	if final.FindingsCreated != 1 {
		t.Errorf("FindingsCreated = %d, want 1", final.FindingsCreated)
	}
	if d.cloner.count() != 0 {
		t.Errorf("cloner calls = %d, want 0 on a normalize-stage resume", d.cloner.count())
	}
	if d.executor.count() != 0 {
		t.Errorf("executor calls = %d, want 0 on a normalize-stage resume", d.executor.count())
	}
}

func TestResume_ExecuteStageRedoesFetch(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	ctx := context.Background()

	// A job interrupted mid-execute: its checkout died with the process.
	now := time.Now().UTC()
	seed := &scan.ScanJob{
		ID: "scan-refetch", OrgID: "org-1", RepoID: "repo-1",
		RepoURL: "https://github.com/acme/api",
		Status:  scan.StatusRunning, Stage: scan.StageExecute,
		Tools: []string{"semgrep"}, CommitSHA: "old000",
		QueuedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := d.store.CreateScan(ctx, seed); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}
	d.executor.results = []*scanner.ToolResult{
		{Tool: "semgrep", Success: true, SARIF: sarifFor("semgrep",
			sarifResult("py.weak-hash", "app/crypto.py", 22, "weak hash algorithm"),
		)},
	}

	svc := d.newService(t, scan.Options{})
	if _, err := svc.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	final := waitTerminal(t, d.store, "scan-refetch")
	if final.Status != scan.StatusCompleted {
		t.Fatalf("Status = %q (error %q), want completed", final.Status, final.Error)
	}
	if d.cloner.count() != 1 {
		t.Errorf("cloner calls = %d, want 1 (fetch redone)", d.cloner.count())
	}
	if d.executor.count() != 1 {
		t.Errorf("executor calls = %d, want 1", d.executor.count())
	}
	if final.CommitSHA != "abc123" {
		t.Errorf("CommitSHA = %q, want refreshed %q", final.CommitSHA, "abc123")
	}
}

func TestRun_StorageBreachWarnsAndCompletes(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	d.executor.results = []*scanner.ToolResult{
		{Tool: "semgrep", Success: true, SARIF: sarifFor("semgrep",
			sarifResult("py.sql-injection", "app/main.py", 10, "SQL injection risk"),
		)},
	}
	svc := d.newService(t, scan.Options{StorageQuotaBytes: 1})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, d.store, job.ID)
	if final.Status != scan.StatusCompleted {
		t.Fatalf("Status = %q, want completed; storage quota is soft", final.Status)
	}
	if d.notifier.storageWarnings() == 0 {
		t.Error("expected a storage warning notification")
	}
}

func TestPostScan_AutoHooksRun(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	d.executor.results = []*scanner.ToolResult{
		{Tool: "semgrep", Success: true, SARIF: sarifFor("semgrep",
			sarifResult("py.sql-injection", "app/main.py", 10, "SQL injection risk"),
		)},
	}
	svc := d.newService(t, scan.Options{AutoAdjudicate: true, AutoCluster: true})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, d.store, job.ID)

	// Hooks run after the terminal mark; give them a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.adjudicator.count() == 1 && d.clusterer.count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d.adjudicator.count() != 1 {
		t.Fatalf("adjudicator calls = %d, want 1", d.adjudicator.count())
	}
	if d.clusterer.count() != 1 {
		t.Fatalf("clusterer calls = %d, want 1", d.clusterer.count())
	}

	d.adjudicator.mu.Lock()
	req := d.adjudicator.reqs[0]
	d.adjudicator.mu.Unlock()
	if req.OrgID != "org-1" || req.ScanID != job.ID {
		t.Errorf("adjudication req = %+v, want org-1/%s", req, job.ID)
	}
}

func TestPostScan_AdjudicationSkippedWithoutFindings(t *testing.T) {
	t.Parallel()

	d := newTestDeps()
	svc := d.newService(t, scan.Options{AutoAdjudicate: true})

	job, err := svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitTerminal(t, d.store, job.ID)
	if final.Status != scan.StatusCompleted {
		t.Fatalf("Status = %q, want completed", final.Status)
	}

	time.Sleep(150 * time.Millisecond)
	if d.adjudicator.count() != 0 {
		t.Errorf("adjudicator calls = %d, want 0 with nothing to adjudicate", d.adjudicator.count())
	}
}
