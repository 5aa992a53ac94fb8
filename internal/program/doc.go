// Package program loads reactor network descriptions written in CUE
// and instantiates them as executable graphs.
//
// A description names reactors, their timers, ports and behavior, and
// the connections between them:
//
//	program: {
//		name: "pipeline"
//		timeout: "30ms"
//		reactors: {
//			src: {
//				behavior: "count"
//				timers: tick: {period: "10ms"}
//				outputs: ["value"]
//			}
//			sink: {
//				behavior: "log"
//				inputs: ["value"]
//			}
//		}
//		connections: [
//			{from: "src.value", to: "sink.value"},
//		]
//	}
//
// Behaviors are built in (count, relay, log); a description wires
// existing behavior to a topology, it does not define new reaction
// bodies. Programs embedding custom bodies construct a graph.Builder
// directly instead.
package program
