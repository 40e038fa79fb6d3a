package main

import "github.com/LayerDynamics/mlxr/cmd"

func main() {
	cmd.Execute()
}
