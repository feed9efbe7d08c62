// Command vigil runs the client session watchdog agent.
package main

import (
	"log"

	"vigil/cmd/internal/app"
)

func main() {
	if err := app.Main(); err != nil {
		log.Fatal(err)
	}
}
