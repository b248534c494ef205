package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_InvalidURL(t *testing.T) {
	_, err := NewPool(context.Background(), "postgres://%zz", "backupd-test", 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse database url")
}
