// Command keygen mints the operator and tenant secrets used by the gateway.
package main

import (
	"fmt"
	"os"

	"github.com/eaglechat/eaglechat-server/internal/vault"
)

func main() {
	kind := "master"
	if len(os.Args) > 1 {
		kind = os.Args[1]
	}

	switch kind {
	case "master":
		fmt.Println("MASTER_KEY (base64, set in the server environment):")
		fmt.Println(vault.NewMasterKey())
	case "hmac":
		fmt.Println("HMAC secret (hex, install via /api/v1/configure-hmac):")
		fmt.Println(vault.NewHMACSecret())
	case "apikey":
		fmt.Println("Tenant API key (normally minted by registration):")
		fmt.Println(vault.NewAPIKey())
	default:
		fmt.Fprintf(os.Stderr, "Usage: keygen [master|hmac|apikey]\n")
		os.Exit(1)
	}
}
