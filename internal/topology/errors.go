package topology

import "errors"

// Fatal conditions. Absent hardware is never reported as an error.
var (
	ErrLinkTimeout         = errors.New("link never trained")
	ErrResourceExhausted   = errors.New("no free address map slot")
	ErrBusExhausted        = errors.New("bus numbers exhausted")
	ErrNoSouthBridge       = errors.New("south bridge chain not found")
	ErrUnsupportedTopology = errors.New("unsupported topology")
	ErrInvalidNode         = errors.New("invalid node id")
)
