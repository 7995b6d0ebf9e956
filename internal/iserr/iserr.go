// Package iserr classifies the small set of POSIX errno values the
// reactor core cares about: transient (retry within the same
// iteration), peer-observable (record fault, stop writing), and the
// three-way split used by the connector's connect(2) result.
package iserr

import (
	"errors"
	"syscall"
)

// IsWouldBlock reports whether err is EAGAIN/EWOULDBLOCK/EINTR — a
// transient condition that should be retried within the same loop
// iteration rather than treated as a failure.
func IsWouldBlock(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK || errno == syscall.EINTR
}

// IsPeerReset reports whether err is the pair of errnos a send() can
// surface once the peer has reset or hung up the connection: EPIPE and
// ECONNRESET. These are "fault" errors for TcpConnection.sendInLoop —
// they stop further writes without themselves tearing down the
// connection; the next read cycle observes the close.
func IsPeerReset(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EPIPE || errno == syscall.ECONNRESET
}

// ConnectClass is the three-way classification of a connect(2) errno
// from Connector.connect, per spec.md §4.6.
type ConnectClass int

const (
	// ConnectProceed means the attempt should be treated as
	// "connecting" and readiness should be awaited.
	ConnectProceed ConnectClass = iota
	// ConnectRetry means the attempt failed in a way that warrants the
	// backoff-and-retry cycle.
	ConnectRetry
	// ConnectFatal means the attempt failed in a way that cannot
	// succeed by retrying (bad arguments, permissions, address family).
	ConnectFatal
)

// ClassifyConnect maps the errno from a non-blocking connect(2) call
// into one of the three classes muduo's Connector::connect switches on.
func ClassifyConnect(err error) ConnectClass {
	if err == nil {
		return ConnectProceed
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return ConnectFatal
	}
	switch errno {
	case syscall.EINPROGRESS, syscall.EINTR, syscall.EISCONN:
		return ConnectProceed
	case syscall.EAGAIN, syscall.EADDRINUSE, syscall.EADDRNOTAVAIL,
		syscall.ECONNREFUSED, syscall.ENETUNREACH:
		return ConnectRetry
	case syscall.EACCES, syscall.EPERM, syscall.EAFNOSUPPORT,
		syscall.EALREADY, syscall.EBADF, syscall.EFAULT, syscall.ENOTSOCK:
		return ConnectFatal
	default:
		return ConnectFatal
	}
}

// IsEMFILE reports whether err is the process fd-exhaustion errno the
// acceptor mitigates with its idle-fd dance.
func IsEMFILE(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EMFILE
}
