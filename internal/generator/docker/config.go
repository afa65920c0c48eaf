package docker

import (
	"time"
)

// Config holds the settings for containerised README generation.
type Config struct {
	// Image must read a JSON snapshot on stdin and print markdown on stdout.
	Image string
	// Command runs inside the pre-warmed container via exec.
	Command []string
	// MemoryLimit is the container memory cap in bytes.
	MemoryLimit int64
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// Timeout bounds one generation.
	Timeout time.Duration
	// PoolSize is the number of pre-warmed containers to keep ready.
	PoolSize int
	// MaxOutputBytes caps the README read from stdout. Zero means 1 MiB.
	MaxOutputBytes int
}

// DefaultConfig returns limits suited to a small generator image. Image and
// Command have no sensible default and must be set.
func DefaultConfig() Config {
	return Config{
		MemoryLimit:    256 * 1024 * 1024,
		CPULimit:       0.5,
		Timeout:        60 * time.Second,
		PoolSize:       2,
		MaxOutputBytes: 1 << 20,
	}
}
