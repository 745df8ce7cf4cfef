package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sellista/authbroker/internal"
	"github.com/sellista/authbroker/internal/config"
	"github.com/sellista/authbroker/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"server": map[string]any{
			"baseURL":        "https://auth.yourcompany.com",
			"addr":           ":8080",
			"postLoginURL":   "https://app.yourcompany.com",
			"allowedOrigins": []string{"https://app.yourcompany.com"},
		},
		"session": map[string]any{
			"secret": map[string]string{"$env": "SESSION_SECRET"},
			"ttl":    "168h",
		},
		"storage": map[string]any{
			"kind": "memory",
		},
		"providers": map[string]any{
			"google": map[string]any{
				"clientId":       map[string]string{"$env": "GOOGLE_CLIENT_ID"},
				"clientSecret":   map[string]string{"$env": "GOOGLE_CLIENT_SECRET"},
				"allowedDomains": []string{"yourcompany.com"},
			},
			"instagram": map[string]any{
				"clientId":     map[string]string{"$env": "INSTAGRAM_CLIENT_ID"},
				"clientSecret": map[string]string{"$env": "INSTAGRAM_CLIENT_SECRET"},
			},
			"facebook": map[string]any{
				"clientId":     map[string]string{"$env": "FACEBOOK_CLIENT_ID"},
				"clientSecret": map[string]string{"$env": "FACEBOOK_CLIENT_SECRET"},
			},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	if *validate {
		if _, err := config.Load(*conf); err != nil {
			fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Result: PASS")
		return
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting authbroker", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	broker, err := internal.NewAuthBroker(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create auth broker: %v", err)
		os.Exit(1)
	}

	if err := broker.Run(); err != nil {
		log.LogError("Server exited with error: %v", err)
		os.Exit(1)
	}
}
