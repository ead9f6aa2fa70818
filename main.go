// The main package for the crawlq executable.
package main

import "github.com/JakeFAU/crawlq/cmd"

func main() {
	cmd.Execute()
}
