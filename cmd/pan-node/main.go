// Command pan-node runs one node of a PAN messaging overlay.
package main

func main() {
	Execute()
}
