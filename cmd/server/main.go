// Command server runs readmebot: the GitHub OAuth backend, the push webhook
// receiver and the README generation workers.
//
//	server serve   --config readmebot.yaml   (default)
//	server keygen                            print a fresh TOKEN_ENCRYPTION_KEY
//	server recover                           close attempts interrupted by a crash
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
