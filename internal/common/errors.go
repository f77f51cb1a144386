// Package common contains shared sentinel errors and small helpers used
// across secvault components.
package common

import "errors"

var (

	// storage-level errors
	ErrorNotFound  = errors.New("not found")
	ErrorDuplicate = errors.New("duplicate record")
	ErrorBackend   = errors.New("backend failure")

	// crypto-level errors; always fatal to the triggering operation
	ErrorCrypto = errors.New("encryption error")

	// protocol-level errors
	ErrorUnsupported   = errors.New("unsupported")
	ErrorSessionClosed = errors.New("session is closed")
)
