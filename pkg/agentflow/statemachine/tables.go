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

package statemachine

import "github.com/agentflow-run/agentflow/pkg/agentflow/backend"

// Table is one of the four strictly-ordered state lists, one per step
// kind: an appearance order (for computing "the next state") plus the
// handler bound to each state in it.
type Table struct {
	order    []backend.StepState
	handlers map[backend.StepState]Handler
}

// Next returns the state immediately following s in the table, or false
// if s is the table's last state (every table ends with the terminal
// statement.Complete, reached from statement.End) or is not in the table.
func (t Table) Next(s backend.StepState) (backend.StepState, bool) {
	for i, st := range t.order {
		if st == s {
			if i+1 < len(t.order) {
				return t.order[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// Handler returns the handler bound to s, if any.
func (t Table) Handler(s backend.StepState) (Handler, bool) {
	h, ok := t.handlers[s]
	return h, ok
}

func newTable(order []backend.StepState, bindings map[backend.StepState]Handler) Table {
	return Table{order: order, handlers: bindings}
}

// FullTable is the state list for VariableAssignment steps.
var FullTable = newTable(
	[]backend.StepState{
		backend.StateCreated,
		backend.StateFacetInitBegin,
		backend.StateFacetInitEnd,
		backend.StateFacetScriptsBegin,
		backend.StateFacetScriptsEnd,
		backend.StateMixinBlocksBegin,
		backend.StateMixinBlocksContinue,
		backend.StateMixinBlocksEnd,
		backend.StateMixinCaptureBegin,
		backend.StateMixinCaptureEnd,
		backend.StateEventTransmit,
		backend.StateStatementBlocksBegin,
		backend.StateStatementBlocksContinue,
		backend.StateStatementBlocksEnd,
		backend.StateStatementCaptureBegin,
		backend.StateStatementCaptureEnd,
		backend.StateStatementEnd,
		backend.StateStatementComplete,
	},
	map[backend.StepState]Handler{
		backend.StateCreated:                   handleCreated,
		backend.StateFacetInitBegin:             handleFacetInitBegin,
		backend.StateFacetInitEnd:               handlePassThrough,
		backend.StateFacetScriptsBegin:          handleFacetScriptsBegin,
		backend.StateFacetScriptsEnd:            handlePassThrough,
		backend.StateMixinBlocksBegin:           handlePassThrough,
		backend.StateMixinBlocksContinue:        handlePassThrough,
		backend.StateMixinBlocksEnd:             handlePassThrough,
		backend.StateMixinCaptureBegin:          handlePassThrough,
		backend.StateMixinCaptureEnd:            handlePassThrough,
		backend.StateEventTransmit:              handleEventTransmit,
		backend.StateStatementBlocksBegin:       handleStatementBlocksBegin,
		backend.StateStatementBlocksContinue:    handleStatementBlocksContinue,
		backend.StateStatementBlocksEnd:         handlePassThrough,
		backend.StateStatementCaptureBegin:      handleStatementCaptureBegin,
		backend.StateStatementCaptureEnd:        handlePassThrough,
		backend.StateStatementEnd:               handlePassThrough,
	},
)

// BlockTable is the state list for AndThen/AndMap/AndMatch block steps.
var BlockTable = newTable(
	[]backend.StepState{
		backend.StateCreated,
		backend.StateBlockExecutionBegin,
		backend.StateBlockExecutionContinue,
		backend.StateBlockExecutionEnd,
		backend.StateStatementEnd,
		backend.StateStatementComplete,
	},
	map[backend.StepState]Handler{
		backend.StateCreated:               handleCreated,
		backend.StateBlockExecutionBegin:    handleBlockExecutionBegin,
		backend.StateBlockExecutionContinue: handleBlockExecutionContinue,
		backend.StateBlockExecutionEnd:      handleBlockExecutionEnd,
		backend.StateStatementEnd:           handlePassThrough,
	},
)

// YieldTable is the state list for YieldAssignment steps.
var YieldTable = newTable(
	[]backend.StepState{
		backend.StateCreated,
		backend.StateFacetInitBegin,
		backend.StateFacetInitEnd,
		backend.StateFacetScriptsBegin,
		backend.StateFacetScriptsEnd,
		backend.StateStatementEnd,
		backend.StateStatementComplete,
	},
	map[backend.StepState]Handler{
		backend.StateCreated:          handleCreated,
		backend.StateFacetInitBegin:   handleFacetInitBegin,
		backend.StateFacetInitEnd:     handlePassThrough,
		backend.StateFacetScriptsBegin: handleFacetScriptsBegin,
		backend.StateFacetScriptsEnd:  handlePassThrough,
		backend.StateStatementEnd:     handlePassThrough,
	},
)

// SchemaTable is the state list for SchemaInstantiation steps.
// Evaluated arguments land in returns rather
// than params, which is what distinguishes handleFacetInitBegin's
// behavior for this ObjectType from VariableAssignment/Yield.
var SchemaTable = newTable(
	[]backend.StepState{
		backend.StateCreated,
		backend.StateFacetInitBegin,
		backend.StateFacetInitEnd,
		backend.StateStatementEnd,
		backend.StateStatementComplete,
	},
	map[backend.StepState]Handler{
		backend.StateCreated:        handleCreated,
		backend.StateFacetInitBegin: handleFacetInitBegin,
		backend.StateFacetInitEnd:   handlePassThrough,
		backend.StateStatementEnd:   handlePassThrough,
	},
)

// TableFor returns the state table that governs ot. The workflow root
// step is itself a block over the program's root bodies, so it shares
// BlockTable with AndThen/AndMap/AndMatch.
func TableFor(ot backend.ObjectType) (Table, bool) {
	switch {
	case ot == backend.ObjectVariableAssignment:
		return FullTable, true
	case ot == backend.ObjectYieldAssignment:
		return YieldTable, true
	case ot == backend.ObjectSchemaInstantiation:
		return SchemaTable, true
	case ot.IsBlock() || ot == backend.ObjectWorkflow:
		return BlockTable, true
	default:
		return Table{}, false
	}
}
