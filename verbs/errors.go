package verbs

import "errors"

// Setup failures surfaced synchronously from resource constructors.
var (
	// ErrDeviceNotFound indicates no RDMA device with the requested name exists.
	ErrDeviceNotFound = errors.New("rdma device not found")

	// ErrDeviceOpenFailed indicates the device exists but could not be opened.
	ErrDeviceOpenFailed = errors.New("failed to open rdma device")

	// ErrPDAllocFailed indicates protection domain allocation was refused.
	ErrPDAllocFailed = errors.New("failed to allocate protection domain")

	// ErrMRRegFailed indicates memory region registration was refused.
	ErrMRRegFailed = errors.New("failed to register memory region")

	// ErrQPCreateFailed indicates queue pair or completion queue creation failed.
	ErrQPCreateFailed = errors.New("failed to create queue pair")

	// ErrQPTransitionFailed indicates a queue pair state transition was rejected.
	ErrQPTransitionFailed = errors.New("queue pair state transition failed")

	// ErrClosed indicates an operation on an already-released resource.
	ErrClosed = errors.New("resource already closed")
)
