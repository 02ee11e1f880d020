// Package rpcclient dials the daemon's Unix domain socket and speaks the
// newline-delimited JSON protocol defined in package rpc. It is the only
// package cmd/pm3 imports to talk to a running daemon.
package rpcclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/s3bba/pm3/internal/rpc"
)

// ErrNoResponse is returned when the daemon closes the connection without
// writing a response (e.g. it crashed mid-request).
var ErrNoResponse = errors.New("daemon closed connection without a response")

// Client dials a fresh connection per call, matching the protocol's
// one-request-per-connection shape.
type Client struct {
	socketPath string
	dialer     net.Dialer
}

// New builds a Client bound to socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends req and returns the daemon's single response.
func (c *Client) Call(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return rpc.Response{}, err
	}
	defer conn.Close()

	if err := writeRequest(conn, req); err != nil {
		return rpc.Response{}, err
	}

	var resp rpc.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return rpc.Response{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	return resp, nil
}

// StreamLog sends a Log request and invokes onLine for each frame the
// daemon writes, until the daemon closes the connection or ctx is
// cancelled. Used for both one-shot tail (Follow: false) and `pm3 log -f`.
func (c *Client) StreamLog(ctx context.Context, req rpc.Request, onLine func(rpc.LogLine)) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeRequest(conn, req); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var line rpc.LogLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return nil // EOF: daemon closed the stream, not an error
		}
		onLine(line)
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return conn, nil
}

func writeRequest(conn net.Conn, req rpc.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return conn.SetWriteDeadline(time.Time{})
}
