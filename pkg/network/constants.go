package network

import "time"

const (
	defaultDialTimeout = 10 * time.Second
	defaultIOTimeout   = 30 * time.Second
	defaultIdleTimeout = 5 * time.Minute
	defaultDialRetries = 3
)
