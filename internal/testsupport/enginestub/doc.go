// Package enginestub hosts deterministic in-memory fakes of the engine
// interfaces. Tests drive lifecycle notifications by hand (add, transition,
// remove, deliver results) and inspect the listeners the relay registered,
// without starting a torrent client.
package enginestub
