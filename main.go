package main

import (
	"github.com/joho/godotenv"

	"github.com/luxiasl/dreamwindow/cmd/dreamwindow"
)

func main() {
	_ = godotenv.Load()
	dreamwindow.Execute()
}
