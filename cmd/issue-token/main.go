package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/seal"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// issue-token mints access tokens for local testing and operator scripts.
// Accounts live in the main exam platform; this only signs claims.
func main() {
	var userID int
	var role string
	var genKey bool
	flag.IntVar(&userID, "user", 0, "User ID to put in the token")
	flag.StringVar(&role, "role", string(model.RoleStudent), "Role: student, teacher or admin")
	flag.BoolVar(&genKey, "gen-key", false, "Print a fresh ENCRYPTION_KEY and exit")
	flag.Parse()

	if genKey {
		key, err := seal.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	r := model.Role(role)
	if !r.Valid() {
		fmt.Fprintf(os.Stderr, "Error: unknown role %q\n", role)
		os.Exit(2)
	}
	if userID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -user must be a positive ID")
		os.Exit(2)
	}

	cfg := config.Load()
	auth := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)

	token, err := auth.GenerateToken(userID, r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
