// Command orchestrator routes queries to keyword-selected agents and serves
// the management API.
package main

func main() {
	Execute()
}
