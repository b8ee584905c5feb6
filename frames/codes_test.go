// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package frames

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodesString(t *testing.T) {
	c := Code{
		Reason: "test",
		Code:   0x1,
	}

	require.Equal(t, "test", c.String())
}

func TestCodesError(t *testing.T) {
	c := Code{
		Reason: "error",
		Code:   0x1,
	}

	require.Equal(t, "error", error(c).Error())
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(ErrBrokerUnavailable))
	require.True(t, IsRetryable(fmt.Errorf("publish: %w", ErrBrokerUnavailable)))
	require.False(t, IsRetryable(ErrMalformedFrame))
	require.False(t, IsRetryable(nil))
}

func TestIsFatal(t *testing.T) {
	require.False(t, IsFatal(nil))
	require.True(t, IsFatal(ErrMalformedFrame))
	require.True(t, IsFatal(fmt.Errorf("read: %w", ErrUnknownCommand)))
	require.True(t, IsFatal(io.ErrClosedPipe))
	require.False(t, IsFatal(ErrDuplicateSubscription))
	require.False(t, IsFatal(ErrNotFound))
	require.True(t, errors.Is(fmt.Errorf("x: %w", ErrProtocolState), ErrProtocolState))
}
