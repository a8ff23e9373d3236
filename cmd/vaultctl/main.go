// Package main is vaultctl, the offline maintenance tool for a my-passwords
// store.
package main

import (
	"os"

	"github.com/kirill-eremin-production/my-passwords/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
