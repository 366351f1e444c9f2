package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"agencyops/pkg/apperr"
	"agencyops/pkg/db"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsRetryableError determines if an error is worth redelivering.
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// 业务错误 - 重试也不会成功
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return false, "not_found"
	case apperr.KindValidation, apperr.KindInvalidState:
		return false, "invalid_payload"
	}

	// Database errors
	if db.IsNoRows(err) {
		return false, "not_found"
	}
	if db.IsUniqueViolation(err) {
		// 唯一约束冲突 - 不可重试（幂等性）
		return false, "duplicate_key"
	}
	if db.IsRetryable(err) {
		return true, "db_serialization_error"
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true, "db_connection_error"
	}

	// Context timeout - 可重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
