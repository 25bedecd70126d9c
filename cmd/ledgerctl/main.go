package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"ledger/pkg/httpx"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "trace":
		return runTrace(args[1:], out)
	case "artifact":
		return runArtifact(args[1:], out)
	case "replay":
		return runReplay(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "ledgerctl commands:")
	fmt.Fprintln(out, "  ledgerctl trace show <trace_id> [--base http://localhost:8080] [--include-rejected]")
	fmt.Fprintln(out, "  ledgerctl artifact show <hash> [--base http://localhost:8080]")
	fmt.Fprintln(out, "  ledgerctl replay invariant <trace_id> [--base http://localhost:8080]")
	fmt.Fprintln(out, "  ledgerctl replay forensic <trace_id> [--base http://localhost:8080]")
	fmt.Fprintln(out, "  ledgerctl replay constrained <baseline_trace_id> <candidate_trace_id> [--policy <file>] [--base http://localhost:8080]")
}

func runTrace(args []string, out io.Writer) error {
	if len(args) < 1 || args[0] != "show" {
		return errors.New("usage: ledgerctl trace show <trace_id> [--base ...] [--include-rejected]")
	}
	if len(args) < 2 {
		return errors.New("trace_id required")
	}
	traceID := strings.TrimSpace(args[1])
	fs := flag.NewFlagSet("trace show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", env("LEDGERCTL_BASE_URL", "http://localhost:8080"), "gateway base url")
	includeRejected := fs.Bool("include-rejected", false, "include rejected attempts in the trace")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	u := strings.TrimRight(*base, "/") + "/v1/traces/" + url.PathEscape(traceID)
	if *includeRejected {
		u += "?include_rejected_attempts=true"
	}
	return fetchAndPrint(http.MethodGet, u, nil, out)
}

func runArtifact(args []string, out io.Writer) error {
	if len(args) < 1 || args[0] != "show" {
		return errors.New("usage: ledgerctl artifact show <hash> [--base ...]")
	}
	if len(args) < 2 {
		return errors.New("hash required")
	}
	hash := strings.TrimSpace(args[1])
	fs := flag.NewFlagSet("artifact show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", env("LEDGERCTL_BASE_URL", "http://localhost:8080"), "gateway base url")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	u := strings.TrimRight(*base, "/") + "/v1/artifacts/" + url.PathEscape(hash)
	return fetchAndPrint(http.MethodGet, u, nil, out)
}

func runReplay(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("replay subcommand required")
	}
	switch args[0] {
	case "invariant":
		return replayUnary("invariant", args[1:], out)
	case "forensic":
		return replayUnary("forensic", args[1:], out)
	case "constrained":
		return replayConstrained(args[1:], out)
	default:
		return fmt.Errorf("unknown replay subcommand: %s", args[0])
	}
}

func replayUnary(engine string, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ledgerctl replay %s <trace_id> [--base ...]", engine)
	}
	traceID := strings.TrimSpace(args[0])
	fs := flag.NewFlagSet("replay "+engine, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", env("LEDGERCTL_BASE_URL", "http://localhost:8080"), "gateway base url")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	u := strings.TrimRight(*base, "/") + "/v1/replay/" + engine + "/" + url.PathEscape(traceID)
	return fetchAndPrint(http.MethodPost, u, nil, out)
}

// variancePolicyFile is the --policy JSON shape: the same two booleans the
// gateway's constrained-replay endpoint accepts inline.
type variancePolicyFile struct {
	AllowModelResponseVariance bool `json:"allow_model_response_variance"`
	AllowToolResponseVariance  bool `json:"allow_tool_response_variance"`
}

func replayConstrained(args []string, out io.Writer) error {
	if len(args) < 2 {
		return errors.New("usage: ledgerctl replay constrained <baseline_trace_id> <candidate_trace_id> [--policy <file>] [--base ...]")
	}
	baseline := strings.TrimSpace(args[0])
	candidate := strings.TrimSpace(args[1])
	fs := flag.NewFlagSet("replay constrained", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", env("LEDGERCTL_BASE_URL", "http://localhost:8080"), "gateway base url")
	policyPath := fs.String("policy", "", "path to a variance policy JSON file")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}

	var policy variancePolicyFile
	if strings.TrimSpace(*policyPath) != "" {
		raw, err := os.ReadFile(*policyPath)
		if err != nil {
			return fmt.Errorf("read policy file: %w", err)
		}
		if err := json.Unmarshal(raw, &policy); err != nil {
			return fmt.Errorf("parse policy file: %w", err)
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"baseline_trace_id":  baseline,
		"candidate_trace_id": candidate,
		"variance_policy":    policy,
	})
	if err != nil {
		return err
	}
	u := strings.TrimRight(*base, "/") + "/v1/replay/constrained"
	return fetchAndPrint(http.MethodPost, u, payload, out)
}

func fetchAndPrint(method, url string, body []byte, out io.Writer) error {
	resp, err := requestJSON(method, url, body)
	if err != nil {
		return err
	}
	pretty, _ := prettyJSON(resp)
	_, _ = out.Write(pretty)
	_, _ = out.Write([]byte("\n"))
	return nil
}

// requestJSON delegates to pkg/httpx.RequestJSON for the retry-on-5xx
// behavior a gateway client needs when talking to a service that may be
// mid-rolling-deploy; it just adds auth-header and non-2xx handling on top.
func requestJSON(method, reqURL string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	headers := map[string]string{}
	authToken := strings.TrimSpace(os.Getenv("LEDGERCTL_AUTH_TOKEN"))
	authHeader := strings.TrimSpace(env("LEDGERCTL_AUTH_HEADER", "Authorization"))
	if authToken != "" {
		if strings.EqualFold(authHeader, "authorization") && !strings.HasPrefix(strings.ToLower(authToken), "bearer ") {
			headers[authHeader] = "Bearer " + authToken
		} else {
			headers[authHeader] = authToken
		}
	}

	status, respBody, err := httpx.RequestJSON(ctx, nil, method, reqURL, body, headers, 2, 250*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("http %d: %s", status, string(respBody))
	}
	return respBody, nil
}

func prettyJSON(raw []byte) ([]byte, error) {
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw, nil
	}
	return json.MarshalIndent(obj, "", "  ")
}

func env(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
