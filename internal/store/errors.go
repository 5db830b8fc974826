// Package store holds the durable state adapters: the Redis conversation
// store and the Postgres room store.
package store

import (
	"errors"
	"fmt"
)

// ErrRoomNotFound is returned when a room id has no relational row.
var ErrRoomNotFound = errors.New("chatroom not found")

// ConnectivityError marks a backing service as unreachable. The gateway
// translates it into a terminal frame instead of retrying blindly.
type ConnectivityError struct {
	Service string // "redis", "postgres"
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is (or wraps) a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
