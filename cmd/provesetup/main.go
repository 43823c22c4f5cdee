// Copyright 2025 Certen Protocol
//
// Prove setup CLI - compiles the settlement circuit, runs a local
// Groth16 trusted setup, and writes the constraint system plus
// proving/verification keys to disk, so cmd/gateway never has to pay
// the setup cost at process start in production.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/certenIO/deopenchat-gateway/pkg/circuit"
)

func main() {
	csPath := flag.String("cs", "settlement.cs", "path to write the compiled constraint system")
	pkPath := flag.String("pk", "settlement.pk", "path to write the Groth16 proving key")
	vkPath := flag.String("vk", "settlement.vk", "path to write the Groth16 verification key")
	flag.Parse()

	prover := circuit.NewProver()
	if err := prover.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := prover.SaveKeys(*csPath, *pkPath, *vkPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	imageID, err := prover.ImageID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("circuit image id: %s\n", imageID)
	fmt.Printf("wrote constraint system to %s\n", *csPath)
	fmt.Printf("wrote proving key to %s\n", *pkPath)
	fmt.Printf("wrote verification key to %s\n", *vkPath)
	fmt.Println("record the image id on the settlement contract via its deployment configuration before serving production traffic")
}
