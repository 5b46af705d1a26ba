package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/schema"
)

func payloadCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "x"}
	cmd.Flags().String("data", "", "")
	cmd.Flags().StringArray("set", nil, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestPayloadFlags(t *testing.T) {
	t.Run("set overrides data", func(t *testing.T) {
		p, err := payloadFlags(payloadCmd(t, "--data", `{"name":"Acme","email":"a@acme.test"}`, "--set", "name=Acme Ltd"))
		require.NoError(t, err)
		assert.Equal(t, "Acme Ltd", schema.Field(p, "name"))
		assert.Equal(t, "a@acme.test", schema.Field(p, "email"))
	})

	t.Run("plain values stay strings", func(t *testing.T) {
		p, err := payloadFlags(payloadCmd(t, "--set", "unit_price=19.990", "--set", "sku=007"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"unit_price":"19.990","sku":"007"}`, string(p))
	})

	t.Run("raw json values", func(t *testing.T) {
		p, err := payloadFlags(payloadCmd(t, "--set", "payment_terms_days:=30", "--set", "show_tax:=true"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"payment_terms_days":30,"show_tax":true}`, string(p))
	})

	t.Run("errors", func(t *testing.T) {
		for _, args := range [][]string{
			{},
			{"--set", "novalue"},
			{"--set", "=x"},
			{"--set", "n:=not json"},
			{"--data", "[1,2]"},
			{"--data", "{"},
		} {
			_, err := payloadFlags(payloadCmd(t, args...))
			assert.True(t, ierr.IsValidation(err), "args %v: %v", args, err)
		}
	})
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 12, 15, 4, 5, 0, time.UTC) // a Thursday

	got, err := parseSince("2026-03-01", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("2026-03-10T08:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), got)

	got, err = parseSince("36h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-36*time.Hour), got)

	got, err = parseSince("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, 11, got.Day())

	_, err = parseSince("blue sky", now)
	assert.True(t, ierr.IsValidation(err))
}

func TestEntityArg(t *testing.T) {
	et, err := entityArg("invoice")
	require.NoError(t, err)
	assert.Equal(t, schema.Invoices, et)

	_, err = entityArg("widgets")
	require.Error(t, err)
	assert.True(t, ierr.IsValidation(err))
	assert.NotEmpty(t, ierr.Hints(err))
}
