// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandHasExpectedSubcommands(t *testing.T) {
	root := newRootCommand()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "version")
}

func TestVersionCommandPrintsVersion(t *testing.T) {
	root := newRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "agentflowd")
}

func TestBuiltinLoaderEchoAndNoop(t *testing.T) {
	echo, err := builtinLoader("builtin://echo", "Handle")
	require.NoError(t, err)
	out, err := echo(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)

	noop, err := builtinLoader("builtin://noop", "Handle")
	require.NoError(t, err)
	out, err = noop(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)

	_, err = builtinLoader("builtin://unknown", "Handle")
	assert.Error(t, err)
}
