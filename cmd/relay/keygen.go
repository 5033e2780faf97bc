package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
)

// runKeygenCmd implements `relay keygen`.
//
// Provisions the gateway's Ed25519 key files: the seal signing key (trust
// root) and the bearer-token key. Keys are 32-byte seeds stored hex-encoded.
// Existing files are never overwritten; rotating a trust root is a manual,
// deliberate act.
//
// Exit codes:
//
//	0 = keys in place
//	2 = runtime error
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		signingPath string
		tokenPath   string
		jsonOutput  bool
	)

	cmd.StringVar(&signingPath, "signing", "data/root.key", "Path for the seal signing key")
	cmd.StringVar(&tokenPath, "token", "data/token.key", "Path for the bearer-token key")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	type keyResult struct {
		Path      string `json:"path"`
		PublicKey string `json:"public_key"`
		Created   bool   `json:"created"`
	}

	provision := func(path string) (*keyResult, error) {
		_, statErr := os.Stat(path)
		created := os.IsNotExist(statErr)

		seed, err := loadOrGenerateSeed(path, false)
		if err != nil {
			return nil, err
		}
		pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
		return &keyResult{
			Path:      path,
			PublicKey: base64.StdEncoding.EncodeToString(pub),
			Created:   created,
		}, nil
	}

	signing, err := provision(signingPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: signing key: %v\n", err)
		return 2
	}
	token, err := provision(tokenPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: token key: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]*keyResult{
			"signing": signing,
			"token":   token,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	report := func(label string, r *keyResult) {
		icon := "✅"
		note := "created"
		if !r.Created {
			icon = "⚠️ "
			note = "already exists, kept"
		}
		_, _ = fmt.Fprintf(stdout, "%s %s key %s (%s)\n", icon, label, r.Path, note)
		_, _ = fmt.Fprintf(stdout, "   public: %s%s%s\n", ColorGray, r.PublicKey, ColorReset)
	}
	report("signing", signing)
	report("token", token)
	return 0
}
