package main

import (
	"fmt"
	"os"

	"github.com/JonMunkholm/sensorlog/internal/config"
)

func main() {
	if _, err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to read .env:", err)
		os.Exit(1)
	}
	os.Exit(Execute())
}
