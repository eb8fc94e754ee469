/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

func states(s ...CallState) []string {
	out := make([]string, len(s))
	for i, st := range s {
		out[i] = string(st)
	}
	return out
}

// transitionTable is the complete set of legal call transitions. Events that
// map a state onto itself are accepted and change nothing, which absorbs
// duplicate and out-of-order signaling.
var transitionTable = fsm.Events{
	{Name: string(CallEventStart), Src: states(CallStateIdle), Dst: string(CallStateConnecting)},
	{Name: string(CallEventIncoming), Src: states(CallStateIdle), Dst: string(CallStateIncoming)},

	{Name: string(CallEventProgress), Src: states(CallStateConnecting, CallStateProgress), Dst: string(CallStateProgress)},
	{Name: string(CallEventAccepted), Src: states(CallStateConnecting, CallStateProgress), Dst: string(CallStateProgress)},
	{Name: string(CallEventConfirmed), Src: states(CallStateProgress), Dst: string(CallStateEstablished)},
	{Name: string(CallEventConfirmed), Src: states(CallStateEstablished), Dst: string(CallStateEstablished)},
	{Name: string(CallEventConfirmed), Src: states(CallStateOnHold), Dst: string(CallStateOnHold)},

	{Name: string(CallEventAnswer), Src: states(CallStateIncoming), Dst: string(CallStateEstablished)},
	{Name: string(CallEventReject), Src: states(CallStateIncoming), Dst: string(CallStateTerminated)},

	{Name: string(CallEventHold), Src: states(CallStateEstablished), Dst: string(CallStateOnHold)},
	{Name: string(CallEventUnhold), Src: states(CallStateOnHold), Dst: string(CallStateEstablished)},

	{Name: string(CallEventHangup), Src: states(CallStateIdle, CallStateConnecting, CallStateProgress,
		CallStateEstablished, CallStateOnHold, CallStateIncoming), Dst: string(CallStateTerminating)},
	{Name: string(CallEventEnded), Src: states(CallStateConnecting, CallStateProgress,
		CallStateEstablished, CallStateOnHold, CallStateIncoming), Dst: string(CallStateTerminating)},
	{Name: string(CallEventTerminate), Src: states(CallStateTerminating), Dst: string(CallStateTerminated)},

	{Name: string(CallEventFailed), Src: states(CallStateIdle, CallStateConnecting, CallStateProgress,
		CallStateEstablished, CallStateOnHold, CallStateIncoming), Dst: string(CallStateFailed)},
}

// Transition is the pure transition function of the call state machine. It
// reports the next state and whether ev is legal in from. Illegal events
// leave the state unchanged.
func Transition(from CallState, ev CallEventKind) (CallState, bool) {
	for _, desc := range transitionTable {
		if desc.Name != string(ev) {
			continue
		}
		for _, src := range desc.Src {
			if src == string(from) {
				return CallState(desc.Dst), true
			}
		}
	}
	return from, false
}

// newCallFSM builds a state machine over transitionTable. onChange runs for
// every transition that changes state.
func newCallFSM(initial CallState, onChange func(from, to CallState)) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		transitionTable,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(CallState(e.Src), CallState(e.Dst))
				}
			},
		},
	)
}

// fire feeds ev to f. It returns false when the event is not legal in the
// current state. A legal event that keeps the state is a success.
func fire(f *fsm.FSM, ev CallEventKind) bool {
	err := f.Event(context.Background(), string(ev))
	if err == nil {
		return true
	}
	var noTransition fsm.NoTransitionError
	return errors.As(err, &noTransition)
}
