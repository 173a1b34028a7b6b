// Command admin-token prints a bearer token for the /v1/admin endpoints,
// signed with ADMIN_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"peekrelay/internal/auth"
	"peekrelay/internal/config"
)

func main() {
	operator := flag.String("operator", "ops", "operator name recorded in the token")
	ttl := flag.Duration("ttl", 0, "token lifetime (default TOKEN_EXPIRY_SECONDS)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	expiry := cfg.TokenExpiry
	if *ttl > 0 {
		expiry = *ttl
	}

	tok, err := auth.CreateAdminToken(*operator, auth.DefaultTokenConfig(cfg.AdminSecret, expiry))
	if err != nil {
		fmt.Fprintln(os.Stderr, "create token:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(expiry).Format(time.RFC3339))
}
