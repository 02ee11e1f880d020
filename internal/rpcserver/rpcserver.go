// Package rpcserver exposes a Scheduler over a Unix domain socket, speaking
// the newline-delimited JSON protocol defined in package rpc (spec.md §4.j).
// One connection carries one request and one response, except Log in
// follow mode which streams LogLine frames until the client disconnects.
// The accept loop and signal-driven shutdown follow the teacher's
// cmd/serve.go wiring: context cancellation propagates down to every
// in-flight connection goroutine.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/s3bba/pm3/internal/pm3err"
	"github.com/s3bba/pm3/internal/rpc"
	"github.com/s3bba/pm3/internal/scheduler"
	"github.com/s3bba/pm3/internal/supervisor"
)

// Server accepts client connections on a Unix domain socket and dispatches
// each request to a Scheduler.
type Server struct {
	sched        *scheduler.Scheduler
	logger       *slog.Logger
	socketPath   string
	snapshotPath string

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a Server bound to socketPath. snapshotPath is the file
// Resurrect reads from — it is the same path cmd/pm3d resolves via
// paths.SnapshotPath() at startup. Listen must be called to start
// accepting.
func New(sched *scheduler.Scheduler, socketPath, snapshotPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sched: sched, socketPath: socketPath, snapshotPath: snapshotPath, logger: logger}
}

// Listen removes any stale socket file, binds a new one, and accepts
// connections until ctx is cancelled or Close is called. It blocks.
func (srv *Server) Listen(ctx context.Context) error {
	if err := os.Remove(srv.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove stale socket: %v", pm3err.ErrIO, err)
	}

	ln, err := net.Listen("unix", srv.socketPath)
	if err != nil {
		return fmt.Errorf("%w: listen on socket: %v", pm3err.ErrIO, err)
	}
	srv.mu.Lock()
	srv.listener = ln
	srv.mu.Unlock()

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				srv.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				srv.wg.Wait()
				return nil
			}
			srv.logger.Warn("accept failed", "error", err)
			continue
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting connections and removes the socket file.
func (srv *Server) Close() {
	srv.mu.Lock()
	ln := srv.listener
	srv.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	os.Remove(srv.socketPath)
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	dec := json.NewDecoder(bufio.NewReader(conn))
	var req rpc.Request
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			return
		}
		writeResponse(conn, rpc.Err(rpc.ErrKindProtocolMismatch, err.Error()))
		return
	}

	if req.Kind == rpc.KindLog {
		srv.handleLog(ctx, conn, req)
		return
	}

	writeResponse(conn, srv.dispatch(ctx, req))
}

func (srv *Server) dispatch(ctx context.Context, req rpc.Request) rpc.Response {
	switch req.Kind {
	case rpc.KindStart:
		return outcomeResponse(srv.sched.StartSelected(ctx, req.Selector))
	case rpc.KindStop:
		return outcomeResponse(srv.sched.StopSelected(ctx, req.Selector))
	case rpc.KindKill:
		return outcomeResponse(srv.sched.KillSelected(ctx, req.Selector))
	case rpc.KindRestart:
		return outcomeResponse(srv.sched.RestartSelected(ctx, req.Selector))
	case rpc.KindReload:
		return outcomeResponse(srv.sched.ReloadSelected(ctx, req.Selector))
	case rpc.KindFlush:
		return outcomeResponse(srv.sched.Flush(req.Selector))
	case rpc.KindSignal:
		sig, err := parseSignal(req.Signal)
		if err != nil {
			return rpc.Err(rpc.ErrKindConfigInvalid, err.Error())
		}
		return outcomeResponse(srv.sched.SignalSelected(ctx, req.Selector, sig))
	case rpc.KindList:
		return listResponse(srv.sched.Status())
	case rpc.KindInfo:
		if len(req.Selector) != 1 {
			return rpc.Err(rpc.ErrKindConfigInvalid, "info requires exactly one process name")
		}
		st, err := srv.sched.StatusOne(req.Selector[0])
		if err != nil {
			return toErrResponse(err)
		}
		return listResponse([]supervisor.ProcessState{st})
	case rpc.KindSave:
		if err := srv.sched.SaveSnapshot(); err != nil {
			return toErrResponse(err)
		}
		return rpc.OkMessage("snapshot saved")
	case rpc.KindResurrect:
		return srv.handleResurrect(ctx)
	default:
		return rpc.Err(rpc.ErrKindProtocolMismatch, fmt.Sprintf("unknown request kind %q", req.Kind))
	}
}

func (srv *Server) handleResurrect(ctx context.Context) rpc.Response {
	snap, err := scheduler.LoadSnapshot(srv.snapshotPath)
	if err != nil {
		return toErrResponse(err)
	}
	return outcomeResponse(srv.sched.Resurrect(ctx, snap))
}

func outcomeResponse(results []scheduler.OpResult, err error) rpc.Response {
	if err != nil {
		return toErrResponse(err)
	}
	resp := rpc.Ok()
	for _, r := range results {
		oc := rpc.OpOutcome{Name: r.Name}
		if r.Err != nil {
			oc.Error = r.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, oc)
	}
	return resp
}

func listResponse(states []supervisor.ProcessState) rpc.Response {
	resp := rpc.Ok()
	for _, st := range states {
		resp.Processes = append(resp.Processes, rpc.ProcessInfo{
			Name:         st.Name,
			Status:       st.Status,
			PID:          st.PID,
			SpawnEpoch:   st.SpawnEpoch,
			RestartCount: st.RestartCount,
			LastExitCode: st.LastExitCode,
			RSSBytes:     st.RSSBytes,
			OutLogPath:   st.OutLogPath,
			ErrLogPath:   st.ErrLogPath,
		})
	}
	return resp
}

func toErrResponse(err error) rpc.Response {
	switch {
	case errors.Is(err, pm3err.ErrConfigInvalid):
		return rpc.Err(rpc.ErrKindConfigInvalid, err.Error())
	case errors.Is(err, pm3err.ErrNotRunning):
		return rpc.Err(rpc.ErrKindNotRunning, err.Error())
	case errors.Is(err, pm3err.ErrAlreadyRunning):
		return rpc.Err(rpc.ErrKindAlreadyRunning, err.Error())
	case errors.Is(err, pm3err.ErrSpawnFailed):
		return rpc.Err(rpc.ErrKindSpawnFailed, err.Error())
	case errors.Is(err, pm3err.ErrHookFailed):
		return rpc.Err(rpc.ErrKindHookFailed, err.Error())
	case errors.Is(err, pm3err.ErrHealthTimedOut):
		return rpc.Err(rpc.ErrKindHealthTimedOut, err.Error())
	case errors.Is(err, pm3err.ErrRestartExhausted):
		return rpc.Err(rpc.ErrKindRestartExhausted, err.Error())
	case errors.Is(err, pm3err.ErrIO):
		return rpc.Err(rpc.ErrKindIO, err.Error())
	case errors.Is(err, pm3err.ErrProtocolMismatch):
		return rpc.Err(rpc.ErrKindProtocolMismatch, err.Error())
	default:
		return rpc.Err(rpc.ErrKindUnknown, err.Error())
	}
}

func writeResponse(conn net.Conn, resp rpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

// namedSignals are the POSIX signal names the client may request via
// KindSignal (spec.md §4.i's signal verb).
var namedSignals = map[string]os.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGCONT": syscall.SIGCONT,
	"SIGSTOP": syscall.SIGSTOP,
}

func parseSignal(name string) (os.Signal, error) {
	sig, ok := namedSignals[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown signal %q", pm3err.ErrConfigInvalid, name)
	}
	return sig, nil
}

// handleLog streams the tail of a process's log file(s) to conn. Without
// Follow it writes the last req.Lines lines (default 50) and closes; with
// Follow it keeps streaming new lines as the file grows until the client
// disconnects or ctx is cancelled (spec.md §4.j Log verb).
func (srv *Server) handleLog(ctx context.Context, conn net.Conn, req rpc.Request) {
	if len(req.Selector) != 1 {
		writeResponse(conn, rpc.Err(rpc.ErrKindConfigInvalid, "log requires exactly one process name"))
		return
	}
	st, err := srv.sched.StatusOne(req.Selector[0])
	if err != nil {
		writeResponse(conn, toErrResponse(err))
		return
	}

	var paths []struct {
		stream string
		path   string
	}
	if req.Stream != "err" && st.OutLogPath != "" {
		paths = append(paths, struct{ stream, path string }{"out", st.OutLogPath})
	}
	if req.Stream != "out" && st.ErrLogPath != "" {
		paths = append(paths, struct{ stream, path string }{"err", st.ErrLogPath})
	}

	lines := req.Lines
	if lines <= 0 {
		lines = 50
	}

	enc := json.NewEncoder(conn)
	for _, p := range paths {
		for _, text := range tailLines(p.path, lines) {
			enc.Encode(rpc.LogLine{Process: req.Selector[0], Stream: p.stream, Text: text})
		}
	}

	if !req.Follow {
		return
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer fsw.Close()
	for _, p := range paths {
		fsw.Add(p.path)
	}

	offsets := make(map[string]int64, len(paths))
	for _, p := range paths {
		if info, err := os.Stat(p.path); err == nil {
			offsets[p.path] = info.Size()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			for _, p := range paths {
				if p.path != ev.Name {
					continue
				}
				newLines, newOffset := readFrom(p.path, offsets[p.path])
				offsets[p.path] = newOffset
				for _, text := range newLines {
					if err := enc.Encode(rpc.LogLine{Process: req.Selector[0], Stream: p.stream, Text: text}); err != nil {
						return
					}
				}
			}
		case _, ok := <-fsw.Errors:
			if !ok {
				return
			}
		case <-time.After(time.Second):
			// Periodic poke keeps a follow connection from blocking
			// forever on fsnotify alone if the watch was lost (e.g. log
			// rotation replacing the inode).
			if _, err := conn.Write(nil); err != nil {
				return
			}
		}
	}
}

// tailLines returns up to n trailing lines of the file at path, or nil if
// it doesn't exist yet.
func tailLines(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	all := splitLines(data)
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// readFrom reads whatever has been appended to path since offset, returning
// the new complete lines and the file's new size.
func readFrom(path string, offset int64) ([]string, int64) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset
	}
	if info.Size() < offset {
		offset = 0 // file was truncated or rotated out from under us
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset
	}
	return splitLines(data), info.Size()
}

func splitLines(data []byte) []string {
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
