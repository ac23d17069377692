// Copyright 2025 James Ross
package rulerepo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_PutAndFind(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	defs, err := repo.FindByRuleSetID(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, defs)

	want := []RuleDefinition{{
		RuleID:  "r1",
		Name:    "per-ip",
		KeySpec: []string{"clientIp"},
		Bands:   []BandDefinition{{WindowSeconds: 1, Capacity: 5, Label: "second"}},
	}}
	repo.Put("checkout", want)

	got, err := repo.FindByRuleSetID(ctx, "checkout")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestMemoryRepository_PutReplacesAndIsolatesSlice(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	original := []RuleDefinition{{RuleID: "r1"}}
	repo.Put("rs", original)
	original[0].RuleID = "mutated-after-put"

	got, err := repo.FindByRuleSetID(ctx, "rs")
	require.NoError(t, err)
	require.Equal(t, "r1", got[0].RuleID, "Put must copy its input, not alias it")

	got[0].RuleID = "mutated-after-find"
	got2, err := repo.FindByRuleSetID(ctx, "rs")
	require.NoError(t, err)
	require.Equal(t, "r1", got2[0].RuleID, "FindByRuleSetID must not leak its internal slice")
}

var _ RuleRepository = (*MemoryRepository)(nil)
