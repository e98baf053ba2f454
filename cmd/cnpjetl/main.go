// Command cnpjetl is the CLI front end for the CNPJ registry ETL
// engine. It only parses flags and environment, loads a config.Config,
// and calls into internal/engine; all engineering decisions live
// there, not here.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
