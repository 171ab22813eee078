// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ReplyBufferSize is the capacity of the mlocked buffer that collects
	// streamed reply chunks before persistence. 256 KB comfortably covers
	// the longest advisory replies the models produce.
	ReplyBufferSize = 256 * 1024

	// minMlockLimitKB is the smallest mlock resource limit that still
	// fits a reply buffer.
	minMlockLimitKB = 256
)

// insecureMemoryEnv opts into plain-memory accumulation on hosts whose
// mlock limits cannot be raised.
const insecureMemoryEnv = "AGRICHAT_INSECURE_MEMORY"

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interface Definition
// =============================================================================

// ReplyAccumulator collects streamed reply chunks for persistence.
//
// # Description
//
// The streaming handler forwards each chunk to the client as it arrives
// and simultaneously appends it here. On successful completion the
// accumulated text becomes the persisted assistant message; on failure
// the buffer is wiped and nothing is stored.
//
// Chunks are hashed incrementally so the finalized text carries an
// integrity digest for logging.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ReplyAccumulator interface {
	// Write appends one chunk. Fails once the buffer capacity is
	// exceeded; the accumulator is unusable after an overflow.
	Write(chunk string) error

	// Finalize returns the accumulated text and its SHA-256 digest
	// (hex), then wipes the buffer. Single use.
	Finalize() (text string, digest string, err error)

	// Destroy wipes the buffer without returning data. Idempotent;
	// meant for error paths and deferred cleanup.
	Destroy()

	// ID identifies this accumulator instance in logs.
	ID() string
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureReplyAccumulator stores chunks in a memguard LockedBuffer: the
// pages are mlocked so partial replies never reach swap, guard pages
// catch overruns, and Destroy zeroes the region.
type secureReplyAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureReplyAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("reply buffer overflow")
	}

	b := []byte(chunk)
	if a.offset+len(b) > ReplyBufferSize {
		a.overflow = true
		return fmt.Errorf("reply buffer overflow: need %d bytes, have %d remaining",
			len(b), ReplyBufferSize-a.offset)
	}
	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *secureReplyAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("reply buffer overflowed during accumulation")
	}

	text := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized reply accumulator",
		"accumulator_id", a.id,
		"reply_length", len(text),
		"digest", digest[:16]+"...",
	)
	return text, digest, nil
}

func (a *secureReplyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureReplyAccumulator) ID() string { return a.id }

func (a *secureReplyAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// Insecure Fallback
// =============================================================================

// insecureReplyAccumulator backs the same contract with ordinary Go
// memory for hosts where the mlock limit cannot accommodate a locked
// buffer. Data may be swapped to disk; wiping is best effort.
type insecureReplyAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *insecureReplyAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("reply buffer overflow")
	}

	b := []byte(chunk)
	if len(a.data)+len(b) > ReplyBufferSize {
		a.overflow = true
		return fmt.Errorf("reply buffer overflow: need %d bytes, have %d remaining",
			len(b), ReplyBufferSize-len(a.data))
	}
	a.data = append(a.data, b...)
	a.hasher.Write(b)
	return nil
}

func (a *insecureReplyAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("reply buffer overflowed during accumulation")
	}

	text := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, digest, nil
}

func (a *insecureReplyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *insecureReplyAccumulator) ID() string { return a.id }

func (a *insecureReplyAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Constructors
// =============================================================================

// NewReplyAccumulator allocates an accumulator for one streamed turn.
//
// # Description
//
// Prefers a mlocked buffer. When the system mlock limit is below
// minMlockLimitKB the behavior depends on AGRICHAT_INSECURE_MEMORY:
// "true" falls back to plain memory with a warning, anything else is a
// hard error so the operator fixes the limit deliberately.
func NewReplyAccumulator() (ReplyAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv(insecureMemoryEnv) == "true" {
			return newInsecureReplyAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB. "+
				"Raise the limit or set %s=true",
			currentMlockLimitKB, minMlockLimitKB, insecureMemoryEnv)
	}

	buf := memguard.NewBuffer(ReplyBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", ReplyBufferSize)
	}
	buf.Melt()

	return &secureReplyAccumulator{
		id:     uuid.New().String(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

func newInsecureReplyAccumulator() ReplyAccumulator {
	accID := uuid.New().String()
	slog.Warn("Created INSECURE reply accumulator, partial replies may be swapped to disk",
		"accumulator_id", accID,
	)
	return &insecureReplyAccumulator{
		id:     accID,
		data:   make([]byte, 0, ReplyBufferSize),
		hasher: sha256.New(),
	}
}

// =============================================================================
// Package Initialization
// =============================================================================

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure reply accumulation",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
				"fallback_env", insecureMemoryEnv,
			)
		}
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK fits a reply buffer.
// A limit that cannot be read is treated as sufficient rather than
// refusing to serve.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// PurgeSecureMemory wipes all memguard allocations. Called on graceful
// shutdown; SIGINT/SIGTERM trigger it via memguard.CatchInterrupt.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("Purged secure memory")
}
