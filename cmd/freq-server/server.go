// server.go runs the TCP accept loop and the per-connection command loop.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	writeTimeout              = 5 * time.Second
	rejectionTimeout          = 500 * time.Millisecond
	errMaxConnectionsResponse = "ERR max number of clients reached\n"
)

// serve starts the TCP server and blocks until shutdown.
//
// Concurrent connections are capped by the connLimiter channel used as a
// semaphore: a non-blocking send is a try-acquire, and a full buffer means
// the connection is rejected immediately instead of exhausting resources.
//
// A dedicated goroutine watches for SIGINT/SIGTERM. On a signal it closes
// the listener, waits (bounded by shutdownTimeout) for in-flight handlers
// tracked by the WaitGroup, and reports the outcome back through a channel
// so the main loop can exit with the right error.
func (app *application) serve() error {
	addr := fmt.Sprintf(":%d", app.config.port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	app.listener = ln
	serverAddr := ln.Addr().String()

	if app.readyCh != nil {
		close(app.readyCh)
	}

	shutdownError := make(chan error)
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		app.logger.Info("caught signal, shutting down", "signal", s.String(), "address", serverAddr)

		ctx, cancel := context.WithTimeout(context.Background(), app.config.shutdownTimeout)
		defer cancel()

		if err := ln.Close(); err != nil {
			shutdownError <- err
		}

		wgDone := make(chan struct{})
		go func() {
			app.wg.Wait()
			close(wgDone)
		}()

		select {
		case <-wgDone:
			shutdownError <- nil
		case <-ctx.Done():
			shutdownError <- ctx.Err()
		}
	}()

	app.logger.Info("server starting", "address", serverAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break // normal shutdown path
			}
			app.logger.Error("failed to accept connection", "error", err, "address", serverAddr)
			continue
		}

		select {
		case app.connLimiter <- struct{}{}:
			app.wg.Add(1)
			go app.handleConnection(conn)
		default:
			app.logger.Info("rejecting connection, limit reached", "remote_addr", conn.RemoteAddr().String())

			// Strict deadline so a client that refuses to read cannot
			// stall the accept loop.
			_ = conn.SetWriteDeadline(time.Now().Add(rejectionTimeout))
			_ = app.writeResponse(conn, []byte(errMaxConnectionsResponse))
			_ = conn.Close()
		}
	}

	err = <-shutdownError
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		app.logger.Error("server stopped with error", "error", err, "address", serverAddr)
		return err
	}

	app.logger.Info("server stopped gracefully", "address", serverAddr)
	return nil
}

// handleConnection runs the request/response loop for one client.
//
// Responses accumulate in a 4KB bufio.Writer and are flushed only when the
// parser's read buffer is empty. When a client pipelines commands, the whole
// batch is answered with a single write syscall instead of one per command.
func (app *application) handleConnection(conn net.Conn) {
	defer func() { <-app.connLimiter }()
	defer app.wg.Done()
	defer func() { _ = conn.Close() }()

	app.metrics.TotalConnections.Add(1)

	remoteAddr := conn.RemoteAddr().String()
	app.logger.Info("new connection", "remote_addr", remoteAddr)

	parser := NewParser(conn)
	writer := bufio.NewWriterSize(conn, 4096)

	// Flush on the way out so responses to commands processed before a
	// mid-pipeline parse error still reach the client.
	defer func() { _ = writer.Flush() }()

	for {
		if app.config.idleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(app.config.idleTimeout)); err != nil {
				app.logger.Error("failed to set read deadline", "error", err, "remote_addr", remoteAddr)
				return
			}
		}

		parts, err := parser.Parse()
		if err != nil {
			if err == io.EOF {
				app.logger.Info("client disconnected", "remote_addr", remoteAddr)
			} else {
				app.logger.Error("parser error", "error", err, "remote_addr", remoteAddr)
			}
			return
		}

		app.router.Dispatch(app, writer, parts)

		if parser.Buffered() == 0 {
			if err := writer.Flush(); err != nil {
				app.logger.Error("failed to flush response", "error", err, "remote_addr", remoteAddr)
				return
			}
		}
	}
}

// writeResponse writes directly to a connection with a deadline, for paths
// that bypass the buffered per-connection writer.
func (app *application) writeResponse(conn net.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		app.logger.Error("failed to set write deadline", "error", err, "remote_addr", conn.RemoteAddr().String())
		return err
	}
	if _, err := conn.Write(data); err != nil {
		app.logger.Error("failed to write response", "error", err, "remote_addr", conn.RemoteAddr().String())
		return err
	}
	return nil
}
