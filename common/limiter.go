package common

import "sync/atomic"

// ResourceLimiter enforces a byte quota against a running counter,
// rejecting further allocation once the quota is exceeded. The tree
// uses one to bound on-disk segment bytes (Config.MaxDiskBytes) so that
// ErrDiskFull is a real, reachable condition rather than a sentinel
// nothing ever returns.
type ResourceLimiter struct {
	maxDiskBytes   int64
	maxMemoryBytes int64
	diskUsed       atomic.Int64
	memUsed        atomic.Int64
}

func NewResourceLimiter(maxDisk, maxMemory int64) *ResourceLimiter {
	return &ResourceLimiter{
		maxDiskBytes:   maxDisk,
		maxMemoryBytes: maxMemory,
	}
}

// AllocDisk accounts n additional bytes, rejecting and rolling back the
// accounting if that would exceed maxDiskBytes. maxDiskBytes <= 0 means
// unlimited.
func (r *ResourceLimiter) AllocDisk(n int64) error {
	if r.maxDiskBytes <= 0 {
		r.diskUsed.Add(n)
		return nil
	}
	newUsed := r.diskUsed.Add(n)
	if newUsed > r.maxDiskBytes {
		r.diskUsed.Add(-n)
		return ErrDiskFull
	}
	return nil
}

func (r *ResourceLimiter) FreeDisk(n int64) {
	r.diskUsed.Add(-n)
}

// PrimeDisk accounts for bytes that already exist on disk (recovered
// segments) without consulting the quota - a tree reopened with a
// lowered MaxDiskBytes must still be able to read what's already there.
func (r *ResourceLimiter) PrimeDisk(n int64) {
	r.diskUsed.Add(n)
}

func (r *ResourceLimiter) DiskUsed() int64 {
	return r.diskUsed.Load()
}

func (r *ResourceLimiter) AllocMemory(n int64) error {
	if r.maxMemoryBytes <= 0 {
		r.memUsed.Add(n)
		return nil
	}
	newUsed := r.memUsed.Add(n)
	if newUsed > r.maxMemoryBytes {
		r.memUsed.Add(-n)
		return ErrDiskFull // reuse error: no separate "memory full" sentinel
	}
	return nil
}

func (r *ResourceLimiter) FreeMemory(n int64) {
	r.memUsed.Add(-n)
}
