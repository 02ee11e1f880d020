package runner

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestStartAndWaitExitCode(t *testing.T) {
	h, err := Start(Spawn{Argv: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestWaitIsIdempotentAcrossObservers(t *testing.T) {
	h, err := Start(Spawn{Argv: []string{"sh", "-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	type outcome struct {
		res *ExitResult
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := h.Wait(context.Background())
			results <- outcome{res, err}
		}()
	}

	first := <-results
	second := <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("unexpected errors: %v, %v", first.err, second.err)
	}
	if first.res != second.res {
		t.Errorf("observers saw different exit records")
	}
}

func TestStopEscalatesToSigkill(t *testing.T) {
	h, err := Start(Spawn{Argv: []string{"sh", "-c", "trap '' TERM; sleep 30"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := h.Stop(ctx, syscall.SIGTERM, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !res.Signaled {
		t.Errorf("expected child to have been killed by signal, got %+v", res)
	}
}

func TestStopGracefulExit(t *testing.T) {
	h, err := Start(Spawn{Argv: []string{"sh", "-c", "trap 'exit 0' TERM; sleep 30 & wait"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := h.Stop(ctx, syscall.SIGTERM, 2*time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Signaled {
		t.Errorf("expected graceful exit, child was signaled: %+v", res)
	}
}

func TestSampleMemoryOfRunningChild(t *testing.T) {
	h, err := Start(Spawn{Argv: []string{"sh", "-c", "sleep 2"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop(context.Background(), syscall.SIGKILL, time.Second)

	rss, err := h.SampleMemory()
	if err != nil {
		t.Fatalf("SampleMemory: %v", err)
	}
	if rss <= 0 {
		t.Errorf("SampleMemory = %d, want > 0", rss)
	}
}

func TestStartEmptyCommandFails(t *testing.T) {
	if _, err := Start(Spawn{Argv: nil}); err == nil {
		t.Fatal("expected error for empty argv")
	}
}
