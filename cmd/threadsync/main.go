// Command threadsync watches, seeds and serves reconciled threads.
package main

func main() {
	Execute()
}
