//go:build !cgo

package remote

// The libsql driver links a native library and is only built with cgo.
const libsqlAvailable = false
