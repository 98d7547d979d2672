package process

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"
)

func TestSupervisor_StartAndExit(t *testing.T) {
	var exits atomic.Int32
	s := NewSupervisor(WithExitCallback(func(*Process) { exits.Add(1) }))
	defer s.Shutdown(time.Second)

	proc, err := s.Start("echo", exec.Command("sh", "-c", "echo ready; read line; exit 3"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if proc.ID == "" {
		t.Fatal("expected a process id")
	}

	line, err := bufio.NewReader(proc.Stdout).ReadString('\n')
	if err != nil || line != "ready\n" {
		t.Fatalf("stdout = %q, %v", line, err)
	}
	proc.Stdin.Close()

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	if proc.ExitCode() != 3 {
		t.Errorf("ExitCode = %d, want 3", proc.ExitCode())
	}
	if proc.State() != StateExited {
		t.Errorf("State = %v, want exited", proc.State())
	}

	deadline := time.Now().Add(time.Second)
	for exits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if exits.Load() != 1 {
		t.Errorf("exit callback ran %d times", exits.Load())
	}
}

func TestProcess_OutputReadableAfterExit(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start("burst", exec.Command("sh", "-c", "printf 'one\\ntwo\\nthree\\n'"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer proc.Stdout.Close()

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	out, err := io.ReadAll(proc.Stdout)
	if err != nil {
		t.Fatalf("reading after exit: %v", err)
	}
	if string(out) != "one\ntwo\nthree\n" {
		t.Errorf("stdout = %q", out)
	}
}

func TestSupervisor_StartMissingBinary(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	_, err := s.Start("ghost", exec.Command("/nonexistent/keyproxy-plugin"))
	if err == nil {
		t.Fatal("expected error starting a missing binary")
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d after failed start", s.Count())
	}
}

func TestProcess_StopKillsStubbornProcess(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start("stubborn", exec.Command("sh", "-c", "trap '' TERM; echo up; while :; do sleep 1; done"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := bufio.NewReader(proc.Stdout).ReadString('\n'); err != nil {
		t.Fatalf("waiting for startup: %v", err)
	}

	start := time.Now()
	if err := proc.Stop(100 * time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("Stop took too long")
	}
	if proc.Running() {
		t.Fatal("process still running after Stop")
	}
}

func TestSupervisor_Shutdown(t *testing.T) {
	s := NewSupervisor()

	for i := 0; i < 3; i++ {
		if _, err := s.Start("sleeper", exec.Command("sleep", "30")); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	s.Shutdown(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for s.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d after shutdown", s.Count())
	}

	_, err := s.Start("late", exec.Command("true"))
	if !errors.Is(err, ErrSupervisorShutdown) {
		t.Errorf("Start after Shutdown = %v, want ErrSupervisorShutdown", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateCreated: "created",
		StateRunning: "running",
		StateExited:  "exited",
		StateKilled:  "killed",
		State(42):    "unknown(42)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
