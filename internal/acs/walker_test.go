package acs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonwatch/acs-indexer/pkg/decimal"
)

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.Parse(s)
	require.NoError(t, err)
	return d
}

func TestInspectPayloadPrimaryAmount(t *testing.T) {
	payload := json.RawMessage(`{
		"owner": "alice::1220",
		"amount": {"initialAmount": "100.5", "createdAt": {"number": "42"}}
	}`)

	fields := InspectPayload(payload)
	assert.Equal(t, "100.5", fields.PrimaryAmount.String())
	assert.False(t, fields.Locked)
	assert.Equal(t, "100.5", fields.Sums["amount.initialAmount"].String())
}

func TestInspectPayloadLockedAmount(t *testing.T) {
	payload := json.RawMessage(`{
		"amulet": {"amount": {"initialAmount": "25.0"}},
		"lock": {"holders": ["dso::1220"]}
	}`)

	fields := InspectPayload(payload)
	assert.Equal(t, "25", fields.PrimaryAmount.String())
	assert.True(t, fields.Locked)
}

func TestInspectPayloadZeroAmountStillPrimary(t *testing.T) {
	// A genuine zero amount resolves the primary path; the embedded amulet
	// path must not steal it.
	payload := json.RawMessage(`{
		"amount": {"initialAmount": "0"},
		"amulet": {"amount": {"initialAmount": "7"}}
	}`)

	fields := InspectPayload(payload)
	assert.True(t, fields.PrimaryAmount.IsZero())
	assert.False(t, fields.Locked)
}

func TestInspectPayloadGenericWalk(t *testing.T) {
	payload := json.RawMessage(`{
		"rewardWeight": "3.25",
		"nested": {"fee": "0.05", "fee2": [{"fee": "0.01"}]},
		"round": {"number": "12"}
	}`)

	fields := InspectPayload(payload)
	assert.Equal(t, "3.25", fields.Sums["rewardWeight"].String())
	// Same key at different depths accumulates.
	assert.Equal(t, "0.06", fields.Sums["fee"].String())
	assert.Equal(t, "12", fields.Sums["number"].String())
}

func TestInspectPayloadDeniedKeys(t *testing.T) {
	// Identifier-looking keys carry numbers that are not amounts.
	payload := json.RawMessage(`{
		"contractId": "1234567890",
		"validator": "99",
		"trancheHash": "555",
		"amount": {"initialAmount": "1"}
	}`)

	fields := InspectPayload(payload)
	assert.NotContains(t, fields.Sums, "contractId")
	assert.NotContains(t, fields.Sums, "validator")
	assert.NotContains(t, fields.Sums, "trancheHash")
	assert.Contains(t, fields.Sums, "amount.initialAmount")
}

func TestInspectPayloadStatuses(t *testing.T) {
	payload := json.RawMessage(`{
		"status": "active",
		"billingState": "open",
		"description": "this is free text, not a status, and far too long to be one either way"
	}`)

	fields := InspectPayload(payload)
	assert.Contains(t, fields.Statuses, "status:active")
	assert.Contains(t, fields.Statuses, "billingState:open")
	assert.Len(t, fields.Statuses, 2)
}

func TestInspectPayloadMalformed(t *testing.T) {
	fields := InspectPayload(json.RawMessage(`not json`))
	assert.Empty(t, fields.Sums)
	assert.True(t, fields.PrimaryAmount.IsZero())

	fields = InspectPayload(nil)
	assert.Empty(t, fields.Sums)
}

func TestCanonicalPackage(t *testing.T) {
	acc := NewAccumulator()
	acc.notePackage("splice-amulet-0.1.8", mustDec(t, "10"))
	acc.notePackage("splice-amulet-0.1.9", mustDec(t, "500"))
	acc.notePackage("splice-amulet-0.1.8", mustDec(t, "5"))

	assert.Equal(t, "splice-amulet-0.1.9", acc.CanonicalPackage())
	assert.Equal(t, "15", acc.PackageTotal("splice-amulet-0.1.8").String())
}

func TestCanonicalPackageTieBreak(t *testing.T) {
	// Equal totals resolve to the package seen first.
	acc := NewAccumulator()
	acc.notePackage("pkg-b", mustDec(t, "10"))
	acc.notePackage("pkg-a", mustDec(t, "10"))

	assert.Equal(t, "pkg-b", acc.CanonicalPackage())
}
