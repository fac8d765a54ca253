// Command mindcache is the CLI front end for the memory engine in
// internal/mindcache.
package main

import "os"

func main() {
	os.Exit(Execute())
}
