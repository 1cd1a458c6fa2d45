package main

import (
	"bytes"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"ecld", "help"}, &out, &errOut)
	if code != exitOK {
		t.Fatalf("help exit code = %d, want %d", code, exitOK)
	}
	if !strings.Contains(out.String(), "verify") {
		t.Errorf("usage should list the verify command, got:\n%s", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"ecld", "bogus"}, &out, &errOut)
	if code != exitUsage {
		t.Fatalf("unknown command exit code = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Errorf("stderr should name the unknown command, got:\n%s", errOut.String())
	}
}

func TestRunDefaultsToServer(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()

	called := 0
	startServer = func(stdout, stderr io.Writer) int {
		called++
		return exitOK
	}

	var out, errOut bytes.Buffer
	if code := Run([]string{"ecld"}, &out, &errOut); code != exitOK {
		t.Fatalf("default exit code = %d, want %d", code, exitOK)
	}
	if code := Run([]string{"ecld", "serve"}, &out, &errOut); code != exitOK {
		t.Fatalf("serve exit code = %d, want %d", code, exitOK)
	}
	if called != 2 {
		t.Errorf("server started %d times, want 2", called)
	}
}

func TestServerSignalShutdownExitCode(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a real server")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	_ = ln.Close()

	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("PORT", port)
	t.Setenv("DATA_DIR", t.TempDir())

	done := make(chan int, 1)
	go func() {
		var out, errOut bytes.Buffer
		done <- runServer(&out, &errOut)
	}()

	// Interrupt only once the listener is up, so the signal handler is
	// guaranteed to be installed.
	addr := net.JoinHostPort("127.0.0.1", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never started listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	self, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if err := self.Signal(syscall.SIGINT); err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-done:
		if code != exitSignal {
			t.Fatalf("signal shutdown exit code = %d, want %d", code, exitSignal)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("server did not exit after SIGINT")
	}
}

func TestVerifyRejectsMemoryDriver(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "memory")
	var out, errOut bytes.Buffer
	code := runVerifyCmd(nil, &out, &errOut)
	if code != exitConfig {
		t.Fatalf("verify with memory driver exit code = %d, want %d", code, exitConfig)
	}
}
