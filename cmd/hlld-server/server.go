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

	log "github.com/sirupsen/logrus"
)

const (
	rejectionTimeout          = 500 * time.Millisecond
	errMaxConnectionsResponse = "Client Error: Too many connections\n"
)

// serve starts the TCP server and blocks until shutdown.
func (app *application) serve() error {
	//
	// DESIGN
	// ------
	//
	// 1. CONNECTION LIMITING
	//    A buffered channel acts as a semaphore capping concurrent
	//    connections. A non-blocking send is a "try-acquire": when the
	//    buffer is full the connection is rejected immediately with an
	//    error line, protecting the server from connection floods.
	//
	// 2. GRACEFUL SHUTDOWN
	//    A dedicated goroutine listens for SIGINT/SIGTERM. On a signal it
	//    closes the listener to stop accepting, then waits (bounded by a
	//    timeout) for in-flight handlers to finish. Handlers deregister
	//    their checkpoint entry on the way out, so the manager's vacuum is
	//    never pinned by a dead connection.
	//
	// 3. PER-CONNECTION CHECKPOINTS
	//    Each connection checkpoints with the set manager before every
	//    command. This is what makes reads lock-free: the manager reclaims
	//    retired index versions only once every connection has moved past
	//    them.
	//
	addr := fmt.Sprintf("%s:%d", app.config.BindAddress, app.config.TCPPort)

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

		log.Infof("Caught signal %s, shutting down server on %s", s.String(), serverAddr)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting new connections.
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

	log.Infof("Server starting on %s", serverAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.WithError(err).Error("Failed to accept connection")
			continue
		}

		select {
		case app.connLimiter <- struct{}{}:
			app.wg.Add(1)
			go app.handleConnection(conn)
		default:
			log.Infof("Rejecting connection from %s, limit reached", conn.RemoteAddr())

			// A client that never reads must not wedge the accept loop.
			_ = conn.SetWriteDeadline(time.Now().Add(rejectionTimeout))
			_, _ = conn.Write([]byte(errMaxConnectionsResponse))
			_ = conn.Close()
		}
	}

	err = <-shutdownError
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	log.Infof("Server stopped gracefully on %s", serverAddr)
	return nil
}

// handleConnection runs the command loop for one client.
func (app *application) handleConnection(conn net.Conn) {
	defer func() { <-app.connLimiter }()
	defer app.wg.Done()
	defer func() { _ = conn.Close() }()

	connectionsTotal.Inc()
	activeConnections.Inc()
	defer activeConnections.Dec()

	remoteAddr := conn.RemoteAddr().String()
	log.Debugf("New connection from %s", remoteAddr)

	// The connection's checkpoint identity. Leave on disconnect, or the
	// stale version would pin the vacuum's reclamation horizon forever.
	connID := fmt.Sprintf("conn-%d", app.connSeq.Add(1))
	defer app.mgr.Leave(connID)

	parser := NewParser(conn)
	writer := bufio.NewWriterSize(conn, 4096)

	// Flush whatever is buffered when the loop exits, including replies
	// to commands that preceded a mid-pipeline parse error.
	defer func() { _ = writer.Flush() }()

	for {
		parts, err := parser.Parse()
		if err != nil {
			if err == io.EOF {
				log.Debugf("Client disconnected: %s", remoteAddr)
			} else {
				log.WithError(err).Errorf("Parser error from %s", remoteAddr)
			}
			return
		}
		if len(parts) == 0 {
			continue
		}

		app.mgr.Checkpoint(connID)
		app.router.Dispatch(app, writer, parts)

		// Pipelining: when the read buffer still holds bytes the client
		// sent a batch, so keep processing and flush once at the end.
		if parser.Buffered() == 0 {
			if err := writer.Flush(); err != nil {
				log.WithError(err).Errorf("Failed to flush response to %s", remoteAddr)
				return
			}
		}
	}
}
