// Command quiesce explores graphs on a cluster of nodes that detect their
// own termination, either simulated in one process or over TCP.
package main

func main() {
	Execute()
}
