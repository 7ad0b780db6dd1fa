// Package constants defines magic numbers and default values used throughout go-httpcore.
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultConnTimeout = 10 * time.Second
	DefaultReadTimeout = 30 * time.Second
)

// HTTP limits
const (
	MaxContentLength   = 1024 * 1024 * 1024 * 1024 // 1TB
	MaxHeaderBlockSize = 64 * 1024
	DefaultRecvSize    = 64 * 1024
)

// Multipart defaults
const (
	DefaultMultipartChunkSize = 8192
)

// RecentDate is used for clock-skew warnings during TLS verification.
// It must be kept within roughly the last 6-24 months.
var RecentDate = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
