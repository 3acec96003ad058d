package main

import (
	"os"

	"github.com/vietddude/llmbatch/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
