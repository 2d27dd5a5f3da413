package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/makkenzo/activation-platform/internal/util"
)

func main() {
	existing := flag.String("hash", "", "Hash an existing key instead of generating one")
	flag.Parse()

	if *existing != "" {
		hash, err := util.HashAdminKey(*existing)
		if err != nil {
			log.Fatalf("Failed to hash admin key: %v", err)
		}
		fmt.Printf("binding.adminKeyHash: %s\n", hash)
		return
	}

	key, hash, err := util.GenerateAdminKey()
	if err != nil {
		log.Fatalf("Failed to generate admin key: %v", err)
	}

	fmt.Printf("Generated unbind key (SAVE THIS securely!):\n%s\n\n", key)
	fmt.Printf("binding.adminKeyHash: %s\n", hash)
}
