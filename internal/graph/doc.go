// Package graph defines the static structure of a reactor program: the
// reactors, their timers, actions and ports, the reactions bound to
// them, and the precedence relation that makes concurrent execution
// deterministic.
//
// ARCHITECTURE:
//
// The graph is built once, before execution starts, through a Builder.
// Build() assigns every reaction a level - its longest-path rank in the
// instantaneous dependency DAG - and a conflict set naming every other
// reaction it may never run concurrently with. An instantaneous
// dependency cycle is a construction-time error, never a runtime retry:
// cyclic zero-delay dependencies cannot be scheduled deterministically.
//
// Precedence edges come from two sources:
//  1. Declaration order within a reactor: a reactor's reactions execute
//     in the order they were added, at any given tag.
//  2. Instantaneous connections: a reaction writing a port precedes
//     every reaction triggered by that port, transitively through
//     zero-delay connections.
//
// Connections with a delay do not create precedence edges; they route
// through the event queue at a strictly later tag (or a later microstep
// for a zero delay declared as such).
//
// Two reactions conflict - may never overlap in time - when they share a
// reactor or when a directed dependency path connects them, regardless
// of level gap. Reactions at the same level with disjoint conflict sets
// may run in parallel; the observable result must match some sequential
// order consistent with levels no matter the worker count.
package graph
