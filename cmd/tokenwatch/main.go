// Package main is the entry point for tokenwatch.
package main

func main() {
	Execute()
}
