package serrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseError_IsMatchesOnCode(t *testing.T) {
	sentinel := NewError("APPROVAL_TEST", "test error", "")
	wrapped := fmt.Errorf("outer: %w", sentinel.WithTemplateData(map[string]string{"k": "v"}))

	require.True(t, errors.Is(wrapped, sentinel))
	require.False(t, errors.Is(wrapped, NewError("APPROVAL_OTHER", "other", "")))
}

func TestBaseError_WithTemplateDataDoesNotMutate(t *testing.T) {
	base := NewError("APPROVAL_TEST", "test error", "Test.Key")
	derived := base.WithTemplateData(map[string]string{"object": "assignment"})

	require.Nil(t, base.TemplateData)
	require.Equal(t, "assignment", derived.TemplateData["object"])
	require.Equal(t, base.Code, derived.Code)
}
