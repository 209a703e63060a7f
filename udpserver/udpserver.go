// Package udpserver owns the raw UDP/53 receive loop: one socket per
// address family, SO_REUSEADDR/SO_REUSEPORT so an IPv4 and an IPv6 instance
// can share the port, and a short-lived handler goroutine per datagram.
package udpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	gologme "github.com/gologme/log"
	"golang.org/x/sys/unix"

	"github.com/mikispag/dns-over-https-forwarder/dnsanswer"
	"github.com/mikispag/dns-over-https-forwarder/dnserror"
	"github.com/mikispag/dns-over-https-forwarder/supervisor"
	"github.com/mikispag/dns-over-https-forwarder/wire"
)

// handlerTimeout bounds a single datagram's handling, comfortably above the
// dispatcher's own longest internal deadline (the 5s ANY race).
const handlerTimeout = 6 * time.Second

// Resolver is the dispatcher's Resolve signature, kept narrow here so
// udpserver doesn't need to import the dispatcher package.
type Resolver interface {
	Resolve(ctx context.Context, name string, qtype uint16, do bool) (*dnsanswer.Answer, error)
}

// Server binds one or more UDP sockets and answers queries by calling a
// Resolver and encoding the result through wire.
type Server struct {
	resolver Resolver
}

// New constructs a Server over resolver.
func New(resolver Resolver) *Server {
	return &Server{resolver: resolver}
}

// ListenAndServe binds network ("udp4" or "udp6") on addr and serves until
// ctx is cancelled; read errors are logged and the loop keeps reading. A
// bind failure is wrapped in
// dnserror.Fatal with a human-readable reason, per the errno mapping.
func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	lc := net.ListenConfig{Control: reusePortControl}
	conn, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("udpserver: bind %s %s: %w: %s", network, addr, dnserror.Fatal, describeBindError(err))
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	gologme.Infof("udpserver: listening on %s %s", network, addr)
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			gologme.Warnf("udpserver: read from %s: %v", addr, err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go s.handle(ctx, conn, peer, data)
	}
}

// handle parses, resolves and answers a single datagram. A resolve failure
// produces a SERVFAIL reply; a malformed/oversized datagram, or a reply that
// fails to encode, is logged and dropped without a reply, and never
// propagates out to kill the receive loop.
func (s *Server) handle(ctx context.Context, conn net.PacketConn, peer net.Addr, data []byte) {
	query, req, err := wire.ParseQuery(data)
	if err != nil {
		gologme.Debugf("udpserver: dropping malformed datagram from %s: %v", peer, err)
		return
	}

	// handleCtx is bounded by handlerTimeout but deliberately NOT derived
	// from ctx: a query already being raced when the supervisor starts
	// shutting down gets a fixed ShieldBudget grace period to finish
	// instead of being aborted the instant ctx is cancelled.
	handleCtx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	go shieldFromCancellation(ctx, handleCtx, cancel)

	answer, resolveErr := s.resolver.Resolve(handleCtx, query.Name, query.Qtype, query.DO)
	if resolveErr != nil {
		gologme.Debugf("udpserver: %s %s: %v", query.Name, peer, resolveErr)
	}

	raw, err := wire.BuildResponse(req, answer, resolveErr)
	if err != nil {
		gologme.Warnf("udpserver: build response for %s from %s: %v", query.Name, peer, err)
		return
	}
	if _, err := conn.WriteTo(raw, peer); err != nil {
		gologme.Warnf("udpserver: write to %s: %v", peer, err)
	}
}

// shieldFromCancellation lets a request that is already in flight when
// parent is cancelled keep running for supervisor.ShieldBudget more before
// handleCancel forces it to stop.
func shieldFromCancellation(parent, handleCtx context.Context, handleCancel context.CancelFunc) {
	select {
	case <-handleCtx.Done():
		return
	case <-parent.Done():
	}
	t := time.NewTimer(supervisor.ShieldBudget)
	defer t.Stop()
	select {
	case <-handleCtx.Done():
	case <-t.C:
		handleCancel()
	}
}

// reusePortControl sets SO_REUSEADDR and SO_REUSEPORT so an IPv4 and an
// IPv6 listener (or multiple SO_REUSEPORT-sharded instances) can bind the
// same port side by side.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// describeBindError renders a bind failure the way spec's errno table
// wants: permission/in-use get a friendly message, anything else is passed
// through raw.
func describeBindError(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES:
			return "permission denied"
		case syscall.EADDRINUSE:
			return "already in use"
		}
	}
	return err.Error()
}
