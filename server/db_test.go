// Copyright 2024 The Amoria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRetryableStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := ExecuteRetryable(context.Background(), func() error {
		calls++
		return assert.AnError
	})
	assert.Equal(t, assert.AnError, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteRetryableRecoversFromTransientError(t *testing.T) {
	calls := 0
	err := ExecuteRetryable(context.Background(), func() error {
		calls++
		if calls == 1 {
			return sql.ErrConnDone
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecuteRetryableAbortsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := ExecuteRetryable(ctx, func() error {
		calls++
		cancel()
		return sql.ErrConnDone
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
