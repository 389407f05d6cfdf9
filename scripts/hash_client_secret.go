package main

import (
	"flag"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

// Small helper for provider.yaml authors: prints the bcrypt hash to store in
// a client's secret_hash field.
func main() {
	secret := flag.String("secret", "", "Client secret to hash")
	flag.Parse()

	if *secret == "" {
		log.Fatal("usage: hash_client_secret -secret <client-secret>")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*secret), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal("Failed to hash secret:", err)
	}

	fmt.Println(string(hash))
}
