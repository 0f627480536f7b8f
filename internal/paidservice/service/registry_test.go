package service

import (
	"context"
	"testing"

	"github.com/smallbiznis/creditledger/internal/paidservice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, string, map[string]any) (any, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("Text Sentiment Analysis", domain.OperationFunc(noop)))
	require.NoError(t, r.Register("data-validator", domain.OperationFunc(noop)))

	require.ErrorIs(t, r.Register("text-sentiment-analysis", domain.OperationFunc(noop)), domain.ErrDuplicateOperation)
	require.ErrorIs(t, r.Register("  ", domain.OperationFunc(noop)), domain.ErrInvalidOperationName)
	require.ErrorIs(t, r.Register("x", nil), domain.ErrNilOperation)

	assert.True(t, r.IsRegistered("TEXT SENTIMENT ANALYSIS"))
	assert.Equal(t, []string{"data-validator", "text-sentiment-analysis"}, r.Names())

	r.Unregister("Data Validator")
	assert.False(t, r.IsRegistered("data-validator"))
	_, ok := r.Get("data-validator")
	assert.False(t, ok)
}

func TestProvideRegistryRejectsDuplicates(t *testing.T) {
	_, err := ProvideRegistry(RegistryParams{Operations: []domain.NamedOperation{
		{Name: "a", Operation: domain.OperationFunc(noop)},
		{Name: "A", Operation: domain.OperationFunc(noop)},
	}})
	require.ErrorIs(t, err, domain.ErrDuplicateOperation)

	r, err := ProvideRegistry(RegistryParams{Operations: []domain.NamedOperation{
		{Name: "a", Operation: domain.OperationFunc(noop)},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, r.Names())
}
