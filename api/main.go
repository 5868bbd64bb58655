package main

import (
	"github.com/joho/godotenv"

	"github.com/scribehq/scribe/api/cmd/scribe"
)

func main() {
	_ = godotenv.Load()
	scribe.Execute()
}
