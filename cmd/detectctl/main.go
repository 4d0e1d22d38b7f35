package main

import (
	"os"

	"detectd/internal/detectctl"
)

func main() { os.Exit(detectctl.Main()) }
