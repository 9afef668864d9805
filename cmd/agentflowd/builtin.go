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
	"context"
	"fmt"

	"github.com/agentflow-run/agentflow/internal/runner"
)

// builtinLoader resolves a HandlerRegistration's module_uri to one of a
// small set of handlers compiled into this binary. Dynamic loading by URI
// string is deliberately out of scope here: dispatch.Loader exists so the
// embedding application can supply a static switch like this one instead
// of a dynamic import. Handler business logic is out of scope for this
// module, so only two illustrative entrypoints are provided; a real
// deployment supplies its own Loader over its own statically-linked
// handler set.
func builtinLoader(moduleURI, entrypoint string) (runner.Handler, error) {
	switch moduleURI {
	case "builtin://echo":
		return func(_ context.Context, payload map[string]any) (map[string]any, error) {
			out := make(map[string]any, len(payload))
			for k, v := range payload {
				out[k] = v
			}
			return out, nil
		}, nil
	case "builtin://noop":
		return func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}, nil
	default:
		return nil, fmt.Errorf("agentflowd: no builtin handler for module_uri %q (entrypoint %q)", moduleURI, entrypoint)
	}
}
