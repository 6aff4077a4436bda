// Package kmod is the kernel-mode-driver facade: buffer-object
// allocation, queue-group lifecycle, and command-stream submission.
//
// The rest of the module consumes the [Device] interface and never talks
// to the kernel directly. The package ships a software implementation,
// [SoftwareDevice], that maps buffer objects with anonymous mmap and
// interprets submitted streams, so the emission layer can be exercised
// without hardware.
package kmod

import (
	"errors"

	"github.com/gogpu/csf/cs"
	"github.com/gogpu/csf/mem"
)

// Device errors.
var (
	// ErrDeviceClosed is returned when operating on a closed device.
	ErrDeviceClosed = errors.New("kmod: device closed")

	// ErrUnknownGroup is returned when a group handle is not known to
	// the device.
	ErrUnknownGroup = errors.New("kmod: unknown queue group")

	// ErrUnknownSubmission is returned when waiting on a submission id
	// the device never issued.
	ErrUnknownSubmission = errors.New("kmod: unknown submission")

	// ErrBadSubqueue is returned when a submission names a subqueue
	// outside the group's range.
	ErrBadSubqueue = errors.New("kmod: subqueue index out of range")

	// ErrFault is returned when a submitted stream touched an unmapped
	// device address.
	ErrFault = errors.New("kmod: stream faulted on unmapped address")
)

// BO is a device buffer object: device-visible memory with a host
// mapping. CPU and GPU address the same bytes.
type BO struct {
	// CPU is the host mapping.
	CPU []byte
	// GPU is the device address of the first byte.
	GPU uint64
	// Size is the mapped size in bytes.
	Size uint64

	unmap func() error
}

// GroupHandle identifies a queue group created on a device.
type GroupHandle uint32

// SubmissionID identifies one submitted stream.
type SubmissionID uint64

// Status is the completion status of a submission.
type Status int

const (
	// StatusPending means the submission has not completed yet.
	StatusPending Status = iota

	// StatusComplete means the submission executed fully.
	StatusComplete

	// StatusFaulted means the submission stopped on a fault.
	StatusFaulted
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusComplete:
		return "Complete"
	case StatusFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// GroupDesc describes a queue group to be created.
type GroupDesc struct {
	// SubqueueCtx holds, per subqueue, the device address of its context
	// block. The device installs each address in the subqueue's context
	// register before any submitted stream executes.
	SubqueueCtx []uint64
}

// Device is the kernel-driver submission channel consumed by the rest of
// the module. Implementations must be safe for concurrent use.
type Device interface {
	// mem.Provider: pools draw their backing chunks from the device.
	mem.Provider

	// AllocBO maps a new buffer object of at least size bytes.
	AllocBO(size uint64) (*BO, error)

	// FreeBO unmaps a buffer object. The BO must not be used afterwards.
	FreeBO(bo *BO) error

	// CreateGroup creates a queue group with one hardware queue per
	// entry of desc.SubqueueCtx.
	CreateGroup(desc GroupDesc) (GroupHandle, error)

	// DestroyGroup destroys a queue group and its hardware queues.
	DestroyGroup(g GroupHandle) error

	// Submit hands a finished stream to subqueue sq of group g.
	Submit(g GroupHandle, sq int, stream cs.Stream) (SubmissionID, error)

	// Wait blocks until the submission settles and returns its status.
	Wait(id SubmissionID) (Status, error)

	// Close releases all device resources.
	Close() error
}
