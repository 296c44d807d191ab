package locks

import (
	"fmt"

	"tokenkeeper/internal/redis"
)

// New creates a Locker for the configured backend. "redsync" is the default
// production backend; "native" is the owner-stamped SET NX implementation.
func New(backend string, client *redis.Client, instanceID string) (Locker, error) {
	switch backend {
	case "", "redsync":
		return NewRedsyncLocker(client)
	case "native":
		return NewOwnerLocker(client, instanceID), nil
	default:
		return nil, fmt.Errorf("unknown lock backend: %s", backend)
	}
}
