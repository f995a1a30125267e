package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/weblite/weblite/internal/protocol"
)

// classifyError 把传输层错误映射为协议错误码。
func classifyError(err error) protocol.ErrorCode {
	if err == nil {
		return protocol.ErrorNone
	}
	var fe *fetchError
	if errors.As(err, &fe) {
		return fe.code
	}
	if errors.Is(err, context.Canceled) {
		return protocol.ErrorAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.ErrorTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return protocol.ErrorTimeout
		}
		return protocol.ErrorHostNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.ErrorTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return protocol.ErrorConnection
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return protocol.ErrorConnection
	}
	return protocol.ErrorNetwork
}
