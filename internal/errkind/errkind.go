// Package errkind names the error taxonomy the recorder reacts to. Kinds
// are sentinel values, not types: call sites wrap them with fmt.Errorf and
// callers branch with errors.Is.
package errkind

import "errors"

var (
	TransportTransient = errors.New("transport transient error")
	SnapshotTransient   = errors.New("snapshot transient error")
	SequenceGap         = errors.New("sequence gap")
	ChecksumMismatch    = errors.New("checksum mismatch")
	CrossedBook         = errors.New("crossed book")
	DecodeError         = errors.New("decode error")
	ConfigInvalid       = errors.New("invalid configuration")
	DiskIO              = errors.New("disk io error")
	StaleSnapshot       = errors.New("stale snapshot")
)
