// Package execsvc runs one-shot and streaming commands, and interactive
// PTY-backed exec sessions, over a gateway Session's SSH transport. None of
// the three shapes touch the session's interactive shell.
package execsvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrTimedOut is returned by Command when timeoutMs elapses before the
// remote command finishes; the channel is abandoned, not waited on further.
var ErrTimedOut = errors.New("command timed out")

// sshTransport is the minimal shape execsvc needs from a live session.
type sshTransport interface {
	SSHClient() *ssh.Client
}

// Result is execCommand's return shape.
type Result struct {
	Stdout string
	Stderr string
	Code   int // -1 if the remote did not report an exit status
}

// Service runs commands against sessions and tracks in-flight interactive
// exec channels in a process-wide table keyed by an opaque exec-session id.
type Service struct {
	mu    sync.Mutex
	execs map[string]*interactiveExec
}

// New returns an empty Service.
func New() *Service {
	return &Service{execs: make(map[string]*interactiveExec)}
}

// Command opens an exec channel, accumulates stdout/stderr, and waits for
// completion or timeoutMs, whichever comes first. On timeout the channel is
// abandoned: no further attempt is made to read from or close it cleanly.
func (s *Service) Command(ctx context.Context, sess sshTransport, cmd string, timeoutMs int) (Result, error) {
	client := sess.SSHClient()
	if client == nil {
		return Result{}, fmt.Errorf("execsvc: session has no transport")
	}

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("execsvc: open channel: %w", err)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		session.Close()
		return Result{}, fmt.Errorf("execsvc: start command: %w", err)
	}
	go func() { done <- session.Wait() }()

	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return Result{}, ErrTimedOut
	case <-ctx.Done():
		session.Close()
		return Result{}, ctx.Err()
	case waitErr := <-done:
		defer session.Close()
		code := exitCode(waitErr)
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), Code: code}, nil
	}
}

// StreamCallbacks receives data as it arrives from a streaming exec.
type StreamCallbacks struct {
	OnStdout func([]byte)
	OnStderr func([]byte)
}

// Stream opens an exec channel and forwards stdout/stderr chunks to cb as
// they arrive. If abort fires before the remote command exits, the channel
// is closed and Stream returns (-1, nil).
func (s *Service) Stream(ctx context.Context, sess sshTransport, cmd string, cb StreamCallbacks, abort <-chan struct{}) (int, error) {
	client := sess.SSHClient()
	if client == nil {
		return -1, fmt.Errorf("execsvc: session has no transport")
	}

	session, err := client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("execsvc: open channel: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return -1, fmt.Errorf("execsvc: stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return -1, fmt.Errorf("execsvc: stderr pipe: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return -1, fmt.Errorf("execsvc: start command: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pumpStream(&wg, stdout, cb.OnStdout)
	go pumpStream(&wg, stderr, cb.OnStderr)

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-abort:
		session.Close()
		wg.Wait()
		return -1, nil
	case <-ctx.Done():
		session.Close()
		wg.Wait()
		return -1, ctx.Err()
	case waitErr := <-done:
		wg.Wait()
		return exitCode(waitErr), nil
	}
}

func pumpStream(wg *sync.WaitGroup, r io.Reader, onChunk func([]byte)) {
	defer wg.Done()
	if onChunk == nil {
		io.Copy(io.Discard, r)
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if err != nil {
			return
		}
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// Socket is the bridged WebSocket an interactive exec pipes output to and
// accepts input/resize from. It mirrors the gateway session bus's Socket
// shape so the same WebSocket plumbing can back either.
type Socket interface {
	Send(frame []byte) error
	Close() error
}

// interactiveExec is the live state registered in the exec-channel table.
type interactiveExec struct {
	id      string
	session *ssh.Session
	stdin   io.WriteCloser
	socket  Socket

	mu     sync.Mutex
	closed bool
}

// AttachInteractive opens an exec channel with a PTY, registers it under a
// freshly-minted exec-session id, and starts piping remote output to
// bridgedSocket as base64 "output" frames. It returns the id so callers can
// route later {type:"input"}/{type:"resize"} frames via HandleInput/Resize.
func (s *Service) AttachInteractive(sess sshTransport, cmd string, bridgedSocket Socket, cols, rows int) (string, error) {
	client := sess.SSHClient()
	if client == nil {
		return "", fmt.Errorf("execsvc: session has no transport")
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("execsvc: open channel: %w", err)
	}

	modes := ssh.TerminalModes{ssh.ECHO: 1, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return "", fmt.Errorf("execsvc: request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return "", fmt.Errorf("execsvc: stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return "", fmt.Errorf("execsvc: stdout pipe: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return "", fmt.Errorf("execsvc: start command: %w", err)
	}

	id := newExecID()
	ie := &interactiveExec{id: id, session: session, stdin: stdin, socket: bridgedSocket}

	s.mu.Lock()
	s.execs[id] = ie
	s.mu.Unlock()

	go s.pumpInteractiveOutput(ie, stdout)
	return id, nil
}

func (s *Service) pumpInteractiveOutput(ie *interactiveExec, stdout io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			frame, _ := json.Marshal(map[string]string{
				"type": "output",
				"data": base64.StdEncoding.EncodeToString(buf[:n]),
			})
			if sendErr := ie.socket.Send(frame); sendErr != nil {
				s.endInteractive(ie, nil)
				return
			}
		}
		if err != nil {
			s.endInteractive(ie, err)
			return
		}
	}
}

func (s *Service) endInteractive(ie *interactiveExec, cause error) {
	ie.mu.Lock()
	if ie.closed {
		ie.mu.Unlock()
		return
	}
	ie.closed = true
	ie.mu.Unlock()

	s.mu.Lock()
	delete(s.execs, ie.id)
	s.mu.Unlock()

	var frame []byte
	if cause != nil && cause != io.EOF {
		frame, _ = json.Marshal(map[string]string{"type": "error", "message": cause.Error()})
	} else {
		frame, _ = json.Marshal(map[string]string{"type": "closed"})
	}
	ie.socket.Send(frame)
	ie.socket.Close()
	ie.session.Close()
}

// HandleInput writes raw bytes to an interactive exec's stdin.
func (s *Service) HandleInput(id string, data []byte) error {
	s.mu.Lock()
	ie, ok := s.execs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("execsvc: unknown exec session %q", id)
	}
	_, err := ie.stdin.Write(data)
	return err
}

// Resize sends a window-change request for an interactive exec's PTY.
func (s *Service) Resize(id string, cols, rows int) error {
	s.mu.Lock()
	ie, ok := s.execs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("execsvc: unknown exec session %q", id)
	}
	return ie.session.WindowChange(rows, cols)
}

// Detach force-ends an interactive exec, e.g. when its owning Session closes.
func (s *Service) Detach(id string) {
	s.mu.Lock()
	ie, ok := s.execs[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.endInteractive(ie, nil)
}

var execIDCounter uint64
var execIDMu sync.Mutex

// newExecID mints a short, monotonic-ish opaque id. It does not need to be
// cryptographically unpredictable: it only keys an in-process map.
func newExecID() string {
	execIDMu.Lock()
	execIDCounter++
	n := execIDCounter
	execIDMu.Unlock()
	return fmt.Sprintf("exec-%d-%d", time.Now().UnixNano(), n)
}
