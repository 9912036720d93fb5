package types

import "errors"

// Error kinds an endpoint operation can fail with, per spec §7. Each
// is a distinct sentinel so callers can errors.Is against it.
var (
	ErrNameInvalid          = errors.New("kbus: name invalid")
	ErrNameTooLong          = errors.New("kbus: name too long")
	ErrMessageTooLarge      = errors.New("kbus: message too large")
	ErrReplierConflict      = errors.New("kbus: replier binding conflicts with an existing one")
	ErrNoSuchBinding        = errors.New("kbus: no such binding")
	ErrAddressNotAvailable  = errors.New("kbus: no replier bound for name")
	ErrConnectionRefused    = errors.New("kbus: unsolicited or misdirected reply")
	ErrBusy                 = errors.New("kbus: recipient queue full")
	ErrWouldBlock           = errors.New("kbus: recipient queue full, would block")
	ErrNoLocks              = errors.New("kbus: no reply slot available in sender queue")
	ErrAlreadyInSend        = errors.New("kbus: write issued while a send is pending")
	ErrNoMessage            = errors.New("kbus: send called with nothing composed")
	ErrInvalid              = errors.New("kbus: invalid argument or flag combination")
	ErrUnsupportedProtocol  = errors.New("kbus: protocol version not supported")
	ErrEndpointClosed       = errors.New("kbus: endpoint closed")
	ErrReplierBindForbidden = errors.New("kbus: replier binding forbidden for this name")
)
