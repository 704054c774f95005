package main

import (
	"os"

	"github.com/nuetzliches/dtqueue/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
