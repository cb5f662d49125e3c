package main

import (
	"flag"
	"log"

	"github.com/danmuck/sessync/internal/config"
)

func main() {
	kind := flag.String("kind", "relay", "config kind: relay|syncctl")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing relay config file")
	input := flag.String("input", "cmd/relayctl/config.toml", "relay config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != "relay" {
			log.Fatalf("validation supports kind=relay only; syncctl validates its own config on start")
		}
		if _, err := config.LoadRelayConfig(*input); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated relay config at %s", *input)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "relay":
			target = "cmd/relayctl/config.toml"
		case "syncctl":
			target = "cmd/syncctl/config.toml"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
