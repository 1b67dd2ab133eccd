// Command kilnd is the build coordinator daemon: a singleton background
// process owning the package cache, compilation pool, device ports, and
// all cross-process locks.
package main
