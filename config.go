/* SPDX-License-Identifier: ISC
 *
 * Copyright (c) 2019-2024 Stanford University
 * Copyright (c) 2024 Damian Peckett <damian@pecke.tt>
 *
 * Permission to use, copy, modify, and/or distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package homa

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the tunable parameters of a protocol instance. These
// correspond to the sysctl knobs of the kernel implementation; here they are
// fixed when the instance is created (or reloaded via Homa.SetConfig).
type Config struct {
	// Limit on the total number of granted-but-not-yet-received bytes
	// across all incoming messages.
	MaxIncoming int `toml:"max_incoming"`

	// Per-message grant window. Zero selects dynamic windowing, where
	// each message's window is max_incoming divided by the number of
	// messages being granted to plus one.
	Window int `toml:"window"`

	// Maximum number of messages to grant to in a single pass. Capped
	// at maxGrants.
	MaxOvercommit int `toml:"max_overcommit"`

	// Maximum number of messages from a single peer that will be
	// granted to concurrently.
	MaxRPCsPerPeer int `toml:"max_rpcs_per_peer"`

	// Number of priority levels to use; at most HOMA_MAX_PRIORITIES.
	NumPriorities int `toml:"num_priorities"`

	// Highest priority level used for scheduled (granted) packets.
	MaxSchedPrio int `toml:"max_sched_prio"`

	// Number of bytes a sender may transmit without a grant.
	UnschedBytes int `toml:"unsched_bytes"`

	// Fraction of grant bandwidth (in thousandths) reserved for the
	// oldest message, to keep SRPT from starving long messages.
	// Capped at 500.
	GrantFifoFraction int `toml:"grant_fifo_fraction"`

	// Number of bytes granted to the oldest message each time the
	// FIFO budget is exhausted.
	FifoGrantIncrement int `toml:"fifo_grant_increment"`

	// How long a receiver busy-waits before sleeping, in microseconds.
	PollUsecs int `toml:"poll_usecs"`

	// A core is considered busy with transport work if it was active
	// within this many microseconds; handoffs prefer other cores.
	BusyUsecs int `toml:"busy_usecs"`

	// Once a socket's dead packet backlog reaches twice this, the packet
	// path reaps dead RPCs itself after each packet it dispatches.
	DeadBuffsLimit int `toml:"dead_buffs_limit"`

	// Maximum number of dead packet buffers freed in one reap call.
	ReapLimit int `toml:"reap_limit"`

	// Number of bpages in a socket's receive buffer region.
	PoolBpages int `toml:"pool_bpages"`

	// Number of timer ticks an RPC's peer may stay silent (while we
	// expect something from it) before we send a RESEND.
	ResendTicks int `toml:"resend_ticks"`

	// Number of unanswered RESENDs to a peer before all of its RPCs
	// are aborted with a timeout.
	TimeoutResends int `toml:"timeout_resends"`
}

// DefaultConfig returns the settings used when the caller doesn't supply
// any. The values track the kernel implementation's defaults, scaled for
// userspace datagram transport.
func DefaultConfig() Config {
	return Config{
		MaxIncoming:        400000,
		Window:             0,
		MaxOvercommit:      8,
		MaxRPCsPerPeer:     1,
		NumPriorities:      HOMA_MAX_PRIORITIES,
		MaxSchedPrio:       HOMA_MAX_PRIORITIES/2 - 1,
		UnschedBytes:       10000,
		GrantFifoFraction:  50,
		FifoGrantIncrement: 10000,
		PollUsecs:          50,
		BusyUsecs:          100,
		DeadBuffsLimit:     5000,
		ReapLimit:          10,
		PoolBpages:         1000,
		ResendTicks:        5,
		TimeoutResends:     12,
	}
}

// LoadConfig reads a TOML config file, applying defaults for any keys not
// present.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("could not parse config file: %w", err)
	}
	return cfg, nil
}

// derived holds values computed from a Config whenever it changes.
type derived struct {
	// Bytes of normal grants to issue between FIFO grants.
	grantNonfifo int64
	poll         time.Duration
	busy         time.Duration
}

// apply validates cfg, clamps out-of-range values and computes the derived
// parameters.
func (cfg *Config) apply() (derived, error) {
	if cfg.NumPriorities < 1 || cfg.NumPriorities > HOMA_MAX_PRIORITIES {
		return derived{}, fmt.Errorf("num_priorities must be in [1, %d], got %d",
			HOMA_MAX_PRIORITIES, cfg.NumPriorities)
	}
	if cfg.MaxSchedPrio < 0 || cfg.MaxSchedPrio >= cfg.NumPriorities {
		return derived{}, fmt.Errorf("max_sched_prio must be in [0, %d), got %d",
			cfg.NumPriorities, cfg.MaxSchedPrio)
	}
	if cfg.MaxIncoming <= 0 {
		return derived{}, fmt.Errorf("max_incoming must be positive, got %d", cfg.MaxIncoming)
	}
	if cfg.GrantFifoFraction > 500 {
		cfg.GrantFifoFraction = 500
	}
	if cfg.GrantFifoFraction < 0 {
		cfg.GrantFifoFraction = 0
	}
	if cfg.MaxOvercommit > maxGrants {
		cfg.MaxOvercommit = maxGrants
	}
	if cfg.MaxOvercommit < 1 {
		cfg.MaxOvercommit = 1
	}
	if cfg.MaxRPCsPerPeer < 1 {
		cfg.MaxRPCsPerPeer = 1
	}
	if cfg.ResendTicks < 1 {
		cfg.ResendTicks = 1
	}
	if cfg.TimeoutResends < 2 {
		cfg.TimeoutResends = 2
	}

	var d derived
	if cfg.GrantFifoFraction != 0 {
		d.grantNonfifo = int64(1000*cfg.FifoGrantIncrement)/int64(cfg.GrantFifoFraction) -
			int64(cfg.FifoGrantIncrement)
	}
	d.poll = time.Duration(cfg.PollUsecs) * time.Microsecond
	d.busy = time.Duration(cfg.BusyUsecs) * time.Microsecond
	return d, nil
}
