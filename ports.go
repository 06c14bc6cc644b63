package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ErrReadyTimeout is matched by errors.Is when a port never became reachable.
var ErrReadyTimeout = errors.New("timed out waiting for port")

// PortInUseError reports a port that already had a listener before the session started.
type PortInUseError struct {
	Port int
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %d is already in use", e.Port)
}

// ReadyTimeoutError reports a port that was still unreachable at the deadline.
type ReadyTimeoutError struct {
	Port    int
	Timeout time.Duration
}

func (e *ReadyTimeoutError) Error() string {
	return fmt.Sprintf("port %d not reachable after %v", e.Port, e.Timeout)
}

func (e *ReadyTimeoutError) Is(target error) bool {
	return target == ErrReadyTimeout
}

const dialTimeout = time.Second

// IsPortOpen reports whether something accepts TCP connections on localhost:port.
func IsPortOpen(ctx context.Context, port int) bool {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// CheckPortsFree fails on the first port that already has a listener.
func CheckPortsFree(ctx context.Context, ports ...int) error {
	for _, port := range ports {
		if IsPortOpen(ctx, port) {
			return &PortInUseError{Port: port}
		}
	}
	return nil
}

// WaitForPort blocks until localhost:port accepts a connection, probing every
// interval. A zero timeout waits until ctx is cancelled.
func WaitForPort(ctx context.Context, port int, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = time.Duration(defaultReadyInterval) * time.Millisecond
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if IsPortOpen(waitCtx, port) {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			// Parent cancellation is not a timeout
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ReadyTimeoutError{Port: port, Timeout: timeout}
		case <-ticker.C:
			if IsPortOpen(waitCtx, port) {
				return nil
			}
		}
	}
}
