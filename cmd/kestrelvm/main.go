// Command kestrelvm exercises and inspects the Kestrel virtual memory
// stack: it runs demand-paging scenarios against a simulated physical
// memory arena and serves the resulting state for inspection.
package main

func main() {
	Execute()
}
