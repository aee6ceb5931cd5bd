package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/cms-dev/cms-sub006/internal/config"
	"github.com/cms-dev/cms-sub006/internal/filestorage"
	"github.com/cms-dev/cms-sub006/internal/logging"
	"github.com/cms-dev/cms-sub006/internal/rpc"
	"github.com/cms-dev/cms-sub006/pkg/model"
)

func discard() *slog.Logger {
	return logging.NewLoggerWithWriter(slog.LevelError, "text", io.Discard)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startService(t *testing.T, svc *rpc.Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("service did not stop")
		}
	})
}

func connect(t *testing.T, svc *rpc.Service, coord config.ServiceCoord) *rpc.RemoteService {
	t.Helper()
	remote, err := svc.ConnectTo(coord)
	if err != nil {
		t.Fatalf("ConnectTo %s: %v", coord, err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !remote.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !remote.Connected() {
		t.Fatalf("never connected to %s", coord)
	}
	return remote
}

// blockingRunner parks every job until released, so tests can observe the
// busy state.
type blockingRunner struct {
	release chan struct{}
	outcome model.Outcome
	err     error
	sources chan []byte
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		outcome: model.OutcomeOK,
		sources: make(chan []byte, 1),
	}
}

func (r *blockingRunner) Compile(ctx context.Context, _ Job, source []byte) (model.Outcome, error) {
	select {
	case r.sources <- source:
	default:
	}
	select {
	case <-r.release:
	case <-ctx.Done():
		return model.OutcomeNone, ctx.Err()
	}
	return r.outcome, r.err
}

func (r *blockingRunner) Evaluate(ctx context.Context, _ Job) (model.Outcome, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
		return model.OutcomeNone, ctx.Err()
	}
	return r.outcome, r.err
}

type finishedReport struct {
	method string
	data   map[string]any
}

// testRig is one worker service plus a fake evaluation service capturing
// completion reports.
type testRig struct {
	worker       *Worker
	workerRemote *rpc.RemoteService
	reports      chan finishedReport
}

func startRig(t *testing.T, runner Runner) *testRig {
	t.Helper()
	cfg := config.New()
	cfg.CoreServices["Worker"] = []config.Address{{Host: "127.0.0.1", Port: freePort(t)}}
	cfg.CoreServices["EvaluationService"] = []config.Address{{Host: "127.0.0.1", Port: freePort(t)}}

	reports := make(chan finishedReport, 16)
	esRPC := rpc.New(config.ServiceCoord{Name: "EvaluationService"}, cfg, discard(), rpc.Options{})
	for _, method := range []string{"compilation_finished", "evaluation_finished"} {
		m := method
		esRPC.Register(m, func(_ context.Context, data map[string]any) (any, error) {
			reports <- finishedReport{method: m, data: data}
			return true, nil
		})
	}
	startService(t, esRPC)

	workerRPC := rpc.New(config.ServiceCoord{Name: "Worker"}, cfg, discard(), rpc.Options{})
	evalRemote, err := workerRPC.ConnectTo(config.ServiceCoord{Name: "EvaluationService"})
	if err != nil {
		t.Fatalf("worker ConnectTo ES: %v", err)
	}
	w := New(workerRPC, runner, nil, evalRemote, discard())
	startService(t, workerRPC)

	caller := rpc.New(config.ServiceCoord{Name: "Caller"}, cfg, discard(), rpc.Options{})
	startService(t, caller)
	return &testRig{
		worker:       w,
		workerRemote: connect(t, caller, config.ServiceCoord{Name: "Worker"}),
		reports:      reports,
	}
}

func waitBusy(t *testing.T, w *Worker) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !w.Busy() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !w.Busy() {
		t.Fatal("worker never became busy")
	}
}

func TestCompileReportsBack(t *testing.T) {
	runner := newBlockingRunner()
	rig := startRig(t, runner)
	close(runner.release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, err := rig.workerRemote.CallSync(ctx, "compile", map[string]any{
		"submission_id": "sub-1",
		"task_name":     "fibonacci",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	result, ok := data.(map[string]any)
	if !ok || result["success"] != true || result["outcome"] != "ok" {
		t.Fatalf("compile result %v", data)
	}

	select {
	case rep := <-rig.reports:
		if rep.method != "compilation_finished" {
			t.Fatalf("reported %q", rep.method)
		}
		if rep.data["submission_id"] != "sub-1" || rep.data["success"] != true {
			t.Fatalf("report data %v", rep.data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no completion report reached the evaluation service")
	}
}

func TestSecondJobRejectedWhileBusy(t *testing.T) {
	runner := newBlockingRunner()
	rig := startRig(t, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	firstDone := make(chan error, 1)
	go func() {
		_, err := rig.workerRemote.CallSync(ctx, "evaluate", map[string]any{"submission_id": "first"})
		firstDone <- err
	}()
	waitBusy(t, rig.worker)

	_, err := rig.workerRemote.CallSync(ctx, "evaluate", map[string]any{"submission_id": "second"})
	var remoteErr *rpc.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("second job got %v, want a busy rejection", err)
	}

	close(runner.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first job failed: %v", err)
	}
}

func TestWorkerAnswersEchoWhileBusy(t *testing.T) {
	runner := newBlockingRunner()
	rig := startRig(t, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go rig.workerRemote.Call("evaluate", map[string]any{"submission_id": "long"}, nil, nil)
	waitBusy(t, rig.worker)

	// The echo must come back while the evaluate handler is parked.
	data, err := rig.workerRemote.CallSync(ctx, "echo", map[string]any{"string": "alive"})
	if err != nil || data != "alive" {
		t.Fatalf("echo while busy: %v %v", data, err)
	}
	close(runner.release)
}

func TestRunnerFailureReportsFailure(t *testing.T) {
	runner := newBlockingRunner()
	runner.err = errors.New("sandbox exploded")
	rig := startRig(t, runner)
	close(runner.release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, err := rig.workerRemote.CallSync(ctx, "evaluate", map[string]any{"submission_id": "sub-1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	result := data.(map[string]any)
	if result["success"] != false {
		t.Fatalf("result %v, want success=false", result)
	}

	select {
	case rep := <-rig.reports:
		if rep.method != "evaluation_finished" || rep.data["success"] != false {
			t.Fatalf("report %+v", rep)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no failure report")
	}
}

func TestCompileMissingSubmissionID(t *testing.T) {
	runner := newBlockingRunner()
	rig := startRig(t, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rig.workerRemote.CallSync(ctx, "compile", map[string]any{})
	var remoteErr *rpc.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("got %v, want RemoteError", err)
	}
}

func TestCompileFetchesSource(t *testing.T) {
	// Real file store, so the worker pulls the source over RPC.
	cfg := config.New()
	cfg.CoreServices["FileStorage"] = []config.Address{{Host: "127.0.0.1", Port: freePort(t)}}
	cfg.CoreServices["Worker"] = []config.Address{{Host: "127.0.0.1", Port: freePort(t)}}

	fsRPC := rpc.New(filestorage.Coord, cfg, discard(), rpc.Options{})
	fs, err := filestorage.New(fsRPC, t.TempDir(), discard())
	if err != nil {
		t.Fatalf("filestorage.New: %v", err)
	}
	startService(t, fsRPC)

	source := []byte("print(42)")
	digest, err := fs.Put(source, "solution")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	runner := newBlockingRunner()
	close(runner.release)

	workerRPC := rpc.New(config.ServiceCoord{Name: "Worker"}, cfg, discard(), rpc.Options{})
	fsRemote, err := workerRPC.ConnectTo(filestorage.Coord)
	if err != nil {
		t.Fatalf("ConnectTo FileStorage: %v", err)
	}
	files, err := filestorage.NewFileClient(fsRemote, t.TempDir(), discard())
	if err != nil {
		t.Fatalf("NewFileClient: %v", err)
	}
	New(workerRPC, runner, files, nil, discard())
	startService(t, workerRPC)

	caller := rpc.New(config.ServiceCoord{Name: "Caller"}, cfg, discard(), rpc.Options{})
	startService(t, caller)
	remote := connect(t, caller, config.ServiceCoord{Name: "Worker"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := remote.CallSync(ctx, "compile", map[string]any{
		"submission_id": "sub-1",
		"source_digest": digest,
	}); err != nil {
		t.Fatalf("compile: %v", err)
	}

	select {
	case got := <-runner.sources:
		if string(got) != "print(42)" {
			t.Fatalf("runner saw source %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner never received the source")
	}
}
