package connection

import (
	"errors"
	"fmt"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

// ErrIllegalTransition is returned when a state change is not in the table.
var ErrIllegalTransition = errors.New("illegal connection state transition")

type state = bridgediscovery.ConnectionState

var transitions = map[state][]state{
	bridgediscovery.StateDisconnected: {
		bridgediscovery.StateConnecting,
		bridgediscovery.StateReconnecting,
	},
	bridgediscovery.StateConnecting: {
		bridgediscovery.StateConnected,
		bridgediscovery.StateNeedsAuthentication,
		bridgediscovery.StateDisconnected,
	},
	bridgediscovery.StateConnected: {
		bridgediscovery.StateReconnecting,
		bridgediscovery.StateDisconnected,
	},
	bridgediscovery.StateReconnecting: {
		bridgediscovery.StateSearching,
		bridgediscovery.StateConnected,
		bridgediscovery.StateNeedsAuthentication,
		bridgediscovery.StateDisconnected,
		bridgediscovery.StateFailed,
	},
	bridgediscovery.StateSearching: {
		bridgediscovery.StateReconnecting,
		bridgediscovery.StateConnected,
		bridgediscovery.StateNeedsAuthentication,
		bridgediscovery.StateDisconnected,
		bridgediscovery.StateFailed,
	},
	bridgediscovery.StateNeedsAuthentication: {
		bridgediscovery.StateConnecting,
		bridgediscovery.StateDisconnected,
	},
	bridgediscovery.StateFailed: {
		bridgediscovery.StateConnecting,
		bridgediscovery.StateDisconnected,
	},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to bridgediscovery.ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to bridgediscovery.ConnectionState) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
