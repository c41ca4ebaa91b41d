// Vahti - managed resource attribute change monitor.
// Poll. Compare. Emit what changed.
package main

func main() {
	Execute()
}
