package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransportError is an HTTP-level failure from a completion endpoint: the
// request reached the server and came back with a non-2xx status.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// NetworkError is a connectivity-class failure: connection refused, DNS,
// timeout. The request may never have reached the server.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// User-facing sentinel replies. The session layer substitutes these for any
// completion failure so the caller always receives a string, never an error
// surface the end user could see as a crash.
const (
	SentinelNetwork = "网络异常，请检查网络连接"
	SentinelUnknown = "对话异常，请检查错误码"
)

func SentinelTransport(status int) string {
	return fmt.Sprintf("服务器返回错误：%d", status)
}

// SentinelFor maps a completion failure to the fixed reply shown to the user.
func SentinelFor(err error) string {
	var te *TransportError
	if errors.As(err, &te) {
		return SentinelTransport(te.Status)
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return SentinelNetwork
	}
	return SentinelUnknown
}

// WrapNetwork classifies a transport-level error from net/http into the
// failure taxonomy. Context deadlines and net.Error values count as network
// failures; anything else passes through for the unknown bucket.
func WrapNetwork(err error) error {
	if err == nil {
		return nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &NetworkError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &NetworkError{Err: err}
	}
	return err
}
