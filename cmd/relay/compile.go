package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/relaysec/relay/pkg/artifacts"
	"github.com/relaysec/relay/pkg/config"
	"github.com/relaysec/relay/pkg/pdp"
	"github.com/relaysec/relay/pkg/policy"
)

// runCompileCmd implements `relay compile`.
//
// Parses and validates a YAML policy source, derives its content version,
// and emits the engine-native Rego module. --publish stores the bundle in
// the configured artifact store and moves the current pointer; --push
// uploads the module to the configured OPA server so a running gateway
// picks it up without restarting.
//
// Exit codes:
//
//	0 = compiled
//	1 = source rejected
//	2 = runtime error
func runCompileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compile", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		source     string
		out        string
		publish    bool
		push       bool
		jsonOutput bool
	)

	cmd.StringVar(&source, "source", "", "Path to YAML policy source (REQUIRED)")
	cmd.StringVar(&out, "out", "", "Write the compiled Rego module to this file")
	cmd.BoolVar(&publish, "publish", false, "Publish the bundle to the artifact store and mark it current")
	cmd.BoolVar(&push, "push", false, "Upload the module to the configured OPA server")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if source == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --source is required")
		return 2
	}

	src, err := os.ReadFile(source)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read source: %v\n", err)
		return 2
	}

	compiled, err := policy.Compile(src)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: policy rejected: %v\n", err)
		return 1
	}

	ruleCount := 0
	for _, p := range compiled.Set.Policies {
		ruleCount += len(p.Rules)
	}

	if out != "" {
		if err := os.WriteFile(out, []byte(compiled.Rego), 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write %s: %v\n", out, err)
			return 2
		}
	}

	ctx := context.Background()
	cfg := config.Load()

	var digest string
	if publish {
		store, err := artifacts.NewStore(ctx, artifacts.Options{
			Backend: cfg.ArtifactsBackend,
			Dir:     cfg.ArtifactsDir,
			Bucket:  cfg.ArtifactsBucket,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: artifact store: %v\n", err)
			return 2
		}
		publisher := os.Getenv("USER")
		if publisher == "" {
			publisher = "relay-cli"
		}
		_, digest, err = artifacts.NewManager(store).Publish(ctx, filepath.Base(source), src, publisher)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: publish: %v\n", err)
			return 2
		}
	}

	if push {
		engine := pdp.NewOPAPDP(pdp.OPAConfig{
			BaseURL:    cfg.OPAURL,
			PolicyPath: cfg.PolicyPath,
			PolicyName: cfg.PolicyName,
			Timeout:    cfg.EvalTimeout,
		})
		if err := engine.Load(ctx, compiled); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: push to %s: %v\n", cfg.OPAURL, err)
			return 2
		}
	}

	if jsonOutput {
		result := map[string]any{
			"version":  compiled.Version,
			"package":  compiled.Package,
			"policies": len(compiled.Set.Policies),
			"rules":    ruleCount,
		}
		if out != "" {
			result["rego_file"] = out
		}
		if digest != "" {
			result["bundle_digest"] = digest
		}
		if push {
			result["pushed_to"] = cfg.OPAURL
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "✅ Policy compiled\n")
	_, _ = fmt.Fprintf(stdout, "Version:  %s\n", compiled.Version)
	_, _ = fmt.Fprintf(stdout, "Package:  %s\n", compiled.Package)
	_, _ = fmt.Fprintf(stdout, "Rules:    %d across %d policies\n", ruleCount, len(compiled.Set.Policies))
	if out != "" {
		_, _ = fmt.Fprintf(stdout, "Rego:     %s (%d bytes)\n", out, len(compiled.Rego))
	}
	if digest != "" {
		_, _ = fmt.Fprintf(stdout, "Bundle:   %s (current)\n", digest)
	}
	if push {
		_, _ = fmt.Fprintf(stdout, "Engine:   pushed to %s\n", cfg.OPAURL)
	}
	return 0
}
