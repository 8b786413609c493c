package main

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

// These exercise command construction only -- RunE closures over the
// package-level store/controller globals need a live database, which
// belongs in an integration suite, not a unit test.

func TestCreateQueueCommandsWiresStatsSubcommand(t *testing.T) {
    cmd := createQueueCommands()
    assert.Equal(t, "queue", cmd.Use)

    stats, _, err := cmd.Find([]string{"stats"})
    require.NoError(t, err)
    assert.Equal(t, "stats", stats.Use)
}

func TestCreateSlotsCommandsRequiresUserFlag(t *testing.T) {
    cmd := createSlotsCommands()
    list, _, err := cmd.Find([]string{"list"})
    require.NoError(t, err)

    flag := list.Flags().Lookup("user")
    require.NotNil(t, flag)
    assert.Equal(t, "", flag.DefValue)
}

func TestCreateReaperCommandsWiresRunOnce(t *testing.T) {
    cmd := createReaperCommands()
    runOnce, _, err := cmd.Find([]string{"run-once"})
    require.NoError(t, err)
    assert.Equal(t, "run-once", runOnce.Use)
}

func TestCreateLedgerCommandsWiresVerify(t *testing.T) {
    cmd := createLedgerCommands()
    verify, _, err := cmd.Find([]string{"verify"})
    require.NoError(t, err)

    flag := verify.Flags().Lookup("user")
    require.NotNil(t, flag)
}
