// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package bidi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable_ResolveDeliversAndRemoves(t *testing.T) {
	table := newPendingTable()
	pc := table.add("1")

	env := newResponse([]byte(`"1"`), []byte(`{"ok":true}`), nil)
	require.True(t, table.resolve("1", env))

	res := <-pc.ch
	require.NoError(t, res.err)
	assert.Equal(t, env, res.env)

	// Resolving again for the same (now-removed) id is a no-op.
	assert.False(t, table.resolve("1", env))
}

func TestPendingTable_UnknownIDIsNoop(t *testing.T) {
	table := newPendingTable()
	assert.False(t, table.resolve("missing", newResponse(nil, nil, nil)))
}

// TestPendingTable_TimeoutThenLateResolveIsHarmless covers spec §9's
// wait-for-reply race: whichever of remove (timeout) or resolve (response)
// reaches the table first wins; the other is a no-op, never a panic or a
// double delivery.
func TestPendingTable_TimeoutThenLateResolveIsHarmless(t *testing.T) {
	table := newPendingTable()
	table.add("1")

	table.remove("1") // simulates Call's timeout path
	delivered := table.resolve("1", newResponse([]byte(`"1"`), nil, nil))
	assert.False(t, delivered)
}

// TestPendingTable_FailAllEmptiesTableAndDeliversErr covers the
// disconnect path: every outstanding call fails with the same error and the
// table is left empty for the next connection generation.
func TestPendingTable_FailAllEmptiesTableAndDeliversErr(t *testing.T) {
	table := newPendingTable()
	pc1 := table.add("1")
	pc2 := table.add("2")

	wantErr := errors.New("boom")
	table.failAll(wantErr)

	for _, pc := range []*pendingCall{pc1, pc2} {
		res := <-pc.ch
		assert.ErrorIs(t, res.err, wantErr)
	}

	assert.False(t, table.resolve("1", newResponse(nil, nil, nil)))
}

// TestPendingTable_IDsUniqueAcrossTable is P-ID-UNIQ's constructive half:
// the table itself never lets two pending calls share an id.
func TestPendingTable_IDsUniqueAcrossTable(t *testing.T) {
	table := newPendingTable()
	first := table.add("1")
	second := table.add("1")
	assert.NotSame(t, first, second) // add always overwrites; no dedup surprise
	assert.Len(t, table.calls, 1)
}
