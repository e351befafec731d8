// The main package for the estimator executable.
package main

import "github.com/JakeFAU/modernjs-estimator/cmd"

func main() {
	cmd.Execute()
}
