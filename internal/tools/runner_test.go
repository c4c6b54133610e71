package tools

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func TestJoinCommandEscaping(t *testing.T) {
	got := JoinCommand("echo", []string{"a b", "quote'v"})
	want := "'echo' 'a b' 'quote'\"'\"'v'"
	if got != want {
		t.Fatalf("unexpected joined command\nwant: %s\ngot:  %s", want, got)
	}
	if ShellEscape("") != "''" {
		t.Fatalf("expected empty value to quote as ''")
	}
}

func TestSSHRunnerAddressValidation(t *testing.T) {
	r := SSHRunner{}
	if _, err := r.Address(); err == nil {
		t.Fatalf("expected host validation error")
	}

	r.Host = "node-a"
	addr, err := r.Address()
	if err != nil {
		t.Fatalf("unexpected address error: %v", err)
	}
	if addr != "node-a:22" {
		t.Fatalf("expected default ssh port, got %q", addr)
	}

	r.Port = "2222"
	if addr, _ := r.Address(); addr != "node-a:2222" {
		t.Fatalf("expected explicit port, got %q", addr)
	}
}

func TestSSHRunnerClientConfigValidation(t *testing.T) {
	r := SSHRunner{Host: "node-a"}
	if _, err := r.clientConfig(); err == nil {
		t.Fatalf("expected missing user validation error")
	}
	r.User = "cdsw"
	if _, err := r.clientConfig(); err == nil {
		t.Fatalf("expected missing key path validation error")
	}
}

func TestExecRunnerReportsExitCodes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	r := ExecRunner{}
	out, _, code, err := r.Run(context.Background(), "sh", "-c", "printf hi")
	if err != nil || code != 0 || string(out) != "hi" {
		t.Fatalf("unexpected result out=%q code=%d err=%v", out, code, err)
	}
	_, _, code, err = r.Run(context.Background(), "sh", "-c", "exit 3")
	if err == nil || code != 3 {
		t.Fatalf("expected exit code 3, got code=%d err=%v", code, err)
	}
	_, _, code, err = r.Run(context.Background(), "definitely-not-a-binary-migratectl")
	if err == nil || code != 127 {
		t.Fatalf("expected exit code 127, got code=%d err=%v", code, err)
	}
}

func TestExecRunnerCancellation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, _, err := ExecRunner{WaitDelay: time.Second}.Run(ctx, "sleep", "5")
	if err == nil {
		t.Fatal("expected cancelled command to fail")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("cancellation took too long: %s", time.Since(start))
	}
}
