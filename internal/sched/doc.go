// Package sched implements the logical-time scheduler: the event queue,
// the environment state machine, and the worker pool that executes
// reactions deterministically.
//
// ARCHITECTURE:
//
// One Environment per independent scheduling domain. The environment
// owns one event queue, one current tag, and a fixed pool of worker
// goroutines. Multiple environments never share state; federated
// environments synchronize only through coordination messages.
//
// The environment moves through IDLE -> ADVANCING -> EXECUTING and back,
// ending in TERMINATED:
//
//  1. IDLE: the queue is empty; block until an asynchronous event
//     arrives or shutdown is requested.
//  2. ADVANCING: the minimum pending tag is known. A federated
//     environment blocks on its tag gate until the coordinator grants
//     that tag; a local one waits for the physical clock to reach the
//     tag's time (interruptible by asynchronous inserts).
//  3. EXECUTING: all events at the admitted tag are drained, their
//     downstream reactions marked ready, and workers execute them in
//     level order. Reactions scheduled at the same time with a higher
//     microstep keep the environment in EXECUTING; anything later sends
//     it back through ADVANCING.
//
// DETERMINISM:
//
// The observable result of executing a tag must match some sequential
// order consistent with reaction levels, for any worker count. Workers
// only claim reactions at the lowest ready level once every reaction at
// lower levels has completed, and never claim a reaction whose conflict
// set intersects the running set. All queue and ready-set mutation is
// serialized behind the environment mutex; reactor state is only ever
// touched by its own reactions, which the conflict relation keeps from
// overlapping.
//
// NEVER use wall-clock readings for ordering decisions. The physical
// clock gates when a tag may start (and feeds deadline checks); the tag
// order alone decides what runs before what.
package sched
