package main

import (
	"github.com/dominodatalab/sweeper/pkg/cmd"
	"github.com/dominodatalab/sweeper/pkg/cmd/sweeper"
)

func main() {
	if err := sweeper.Execute(); err != nil {
		cmd.ExitWithErr(err)
	}
}
