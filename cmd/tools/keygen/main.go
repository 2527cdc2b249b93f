package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ferrydb/ferry/internal/signing"
)

// Generates the RSA signing keypair a node uses to sign export packages.
// The private key lands in -out; the public half is printed so it can be
// handed to remote operators for verification.
func main() {
	out := flag.String("out", "./data/keys/signing.pem", "Private key output path")
	bits := flag.Int("bits", signing.MinKeyBits, "RSA key size in bits (minimum 2048)")
	force := flag.Bool("force", false, "Overwrite an existing key file")

	flag.Parse()

	if !*force {
		if _, err := os.Stat(*out); err == nil {
			log.Fatalf("Error: %s already exists, pass -force to overwrite", *out)
		}
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatalf("Error: creating key directory: %v", err)
	}

	signer, err := signing.Generate(*bits)
	if err != nil {
		log.Fatalf("Error: generating key: %v", err)
	}
	if err := signer.SaveToFile(*out); err != nil {
		log.Fatalf("Error: writing private key: %v", err)
	}

	pub, err := signer.PublicKeyPEM()
	if err != nil {
		log.Fatalf("Error: encoding public key: %v", err)
	}

	fmt.Fprintf(os.Stderr, "Private key written to %s (%d bits)\n", *out, signer.KeyBits())
	fmt.Println(pub)
}
