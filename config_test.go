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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homa.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_incoming = 123456
num_priorities = 4
max_sched_prio = 1
resend_ticks = 9
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 123456, cfg.MaxIncoming)
	require.Equal(t, 4, cfg.NumPriorities)
	require.Equal(t, 1, cfg.MaxSchedPrio)
	require.Equal(t, 9, cfg.ResendTicks)

	// Keys not present in the file keep their defaults.
	def := DefaultConfig()
	require.Equal(t, def.UnschedBytes, cfg.UnschedBytes)
	require.Equal(t, def.GrantFifoFraction, cfg.GrantFifoFraction)
	require.Equal(t, def.PoolBpages, cfg.PoolBpages)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_incoming = ["), 0o600))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumPriorities = 0
	_, err := cfg.apply()
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.NumPriorities = HOMA_MAX_PRIORITIES + 1
	_, err = cfg.apply()
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.MaxSchedPrio = -1
	_, err = cfg.apply()
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.MaxSchedPrio = cfg.NumPriorities
	_, err = cfg.apply()
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.MaxIncoming = 0
	_, err = cfg.apply()
	require.Error(t, err)
}

func TestConfigClamps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GrantFifoFraction = 600
	cfg.MaxOvercommit = 100
	cfg.MaxRPCsPerPeer = 0
	cfg.ResendTicks = 0
	cfg.TimeoutResends = 1

	d, err := cfg.apply()
	require.NoError(t, err)

	require.Equal(t, 500, cfg.GrantFifoFraction)
	require.Equal(t, maxGrants, cfg.MaxOvercommit)
	require.Equal(t, 1, cfg.MaxRPCsPerPeer)
	require.Equal(t, 1, cfg.ResendTicks)
	require.Equal(t, 2, cfg.TimeoutResends)

	// At the 500 cap half the grant bandwidth goes to FIFO grants.
	require.EqualValues(t, cfg.FifoGrantIncrement, d.grantNonfifo)
	require.Equal(t, time.Duration(cfg.PollUsecs)*time.Microsecond, d.poll)
	require.Equal(t, time.Duration(cfg.BusyUsecs)*time.Microsecond, d.busy)
}

func TestConfigNoFifo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GrantFifoFraction = 0

	d, err := cfg.apply()
	require.NoError(t, err)
	require.EqualValues(t, 0, d.grantNonfifo)
}
