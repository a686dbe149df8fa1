package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokenvault/vault/internal/app"
	_ "github.com/tokenvault/vault/internal/testing/guard"
)

func TestMainReturnsInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
