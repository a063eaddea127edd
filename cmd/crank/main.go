// Command crank exercises the trigger scheduling core on a host machine by
// replaying synthetic tooth streams through it.
package main

func main() {
	Execute()
}
