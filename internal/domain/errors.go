package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNoAssets         = errors.New("no assets to install")
	ErrCancelled        = errors.New("cancelled")
	ErrInvalidKuid      = errors.New("invalid kuid")
	ErrToolNotReady     = errors.New("content tool not ready")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// NetworkError describes a failed HTTP exchange. StatusCode is zero when
// the request never produced a response.
type NetworkError struct {
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("request %s: HTTP %d: %s", e.URL, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("request %s: HTTP %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("request %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("request %s failed", e.URL)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is reports a 404 response as ErrNotFound.
func (e *NetworkError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Retryable reports whether repeating the request may succeed. Transport
// failures are always retryable; responses only for the statuses in
// RetryableStatus.
func (e *NetworkError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return RetryableStatus(e.StatusCode)
}

// RetryableStatus reports whether an HTTP status signals a transient
// server-side condition.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ToolError is a structured failure line reported by the content tool.
type ToolError struct {
	Command string
	Code    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: error %s: %s", e.Command, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// ProcessError is an unstructured failure of the content tool process:
// a non-zero exit without a failure line, a timeout, or a failed start.
type ProcessError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: exited with code %d", e.Command, e.ExitCode)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// ArchiveError means a downloaded package could not be unpacked.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// ConfigParseError means a package's config.txt could not be read.
type ConfigParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ConfigParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("config %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

// DeserializationError means a manifest document was malformed.
type DeserializationError struct {
	Source string
	Err    error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("decoding %s: %v", e.Source, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }
