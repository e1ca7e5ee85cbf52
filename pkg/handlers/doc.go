// Package handlers holds the built-in objects compiled into the hutch
// binary. counter and calculator register themselves from init, so a
// blank import is enough to make them addressable; the scheduler
// object needs the station's task store and is registered explicitly
// by the process that owns one.
package handlers
