package registry

import "errors"

// ErrProjectNotFound indicates no live or stored project has the requested id.
var ErrProjectNotFound = errors.New("project not found")
