// conclavectl is the operator CLI for an already-running conclaved: it
// inspects cost/budget/circuit-breaker status and triggers benchmark runs
// and workflow executions over the HTTP surface internal/httpapi exposes.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pterm/pterm"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	addr := flag.NewFlagSet("", flag.ContinueOnError)
	base := addr.String("addr", envOr("CONCLAVE_ADDR", "http://localhost:8080"), "conclaved base URL")
	token := addr.String("token", os.Getenv("CONCLAVE_TOKEN"), "bearer token for OIDC-gated endpoints")

	cmd := os.Args[1]
	args := os.Args[2:]
	if err := addr.Parse(args); err != nil {
		os.Exit(1)
	}

	client := &authClient{inner: &http.Client{Timeout: 30 * time.Second}, token: *token}

	var err error
	switch cmd {
	case "status":
		err = statusCmd(client, *base)
	case "budget":
		err = budgetCmd(client, *base)
	case "circuit-breaker":
		err = circuitBreakerCmd(client, *base)
	case "circuit-breaker-override":
		reason := ""
		if len(addr.Args()) > 0 {
			reason = addr.Args()[0]
		}
		err = circuitBreakerOverrideCmd(client, *base, reason)
	case "benchmark":
		category := ""
		if len(addr.Args()) > 0 {
			category = addr.Args()[0]
		}
		err = benchmarkCmd(client, *base, category)
	case "workflow-execute":
		if len(addr.Args()) < 1 {
			pterm.Error.Println("usage: conclavectl workflow-execute <workflow_id>")
			os.Exit(1)
		}
		err = workflowExecuteCmd(client, *base, addr.Args()[0])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func usage() {
	pterm.Info.Println("usage: conclavectl <status|budget|circuit-breaker|circuit-breaker-override|benchmark|workflow-execute> [-addr url] [-token token] [args]")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// authClient attaches a bearer token to every request, needed for the
// OIDC-gated circuit-breaker override endpoint.
type authClient struct {
	inner *http.Client
	token string
}

func (c *authClient) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.inner.Do(req)
}

func getJSON(client *authClient, url string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func postJSON(client *authClient, url string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusCmd(client *authClient, base string) error {
	var cost map[string]any
	if err := getJSON(client, base+"/current-cost", &cost); err != nil {
		return err
	}
	pterm.DefaultTable.WithData(pterm.TableData{
		{"day_total", fmt.Sprint(cost["day_total"])},
		{"month_total", fmt.Sprint(cost["month_total"])},
		{"sessions_open", fmt.Sprint(cost["sessions_open"])},
		{"circuit_state", fmt.Sprint(cost["circuit_state"])},
	}).Render()
	return nil
}

func budgetCmd(client *authClient, base string) error {
	var status map[string]any
	if err := getJSON(client, base+"/budget-status", &status); err != nil {
		return err
	}
	b, _ := json.MarshalIndent(status, "", "  ")
	pterm.Println(string(b))
	return nil
}

func circuitBreakerCmd(client *authClient, base string) error {
	var snapshot map[string]any
	if err := getJSON(client, base+"/circuit-breaker", &snapshot); err != nil {
		return err
	}
	b, _ := json.MarshalIndent(snapshot, "", "  ")
	pterm.Println(string(b))
	return nil
}

func circuitBreakerOverrideCmd(client *authClient, base, reason string) error {
	var snapshot map[string]any
	if err := postJSON(client, base+"/circuit-breaker/override", map[string]string{"reason": reason}, &snapshot); err != nil {
		return err
	}
	pterm.Success.Println("circuit breaker overridden")
	return nil
}

func benchmarkCmd(client *authClient, base, category string) error {
	url := base + "/benchmark/run"
	if category != "" {
		url += "?category=" + category
	}
	var report map[string]any
	if err := postJSON(client, url, nil, &report); err != nil {
		return err
	}
	pterm.DefaultTable.WithData(pterm.TableData{
		{"pass_rate", fmt.Sprint(report["PassRate"])},
		{"mean_duration_ms", fmt.Sprint(report["MeanDurationMs"])},
		{"p95_duration_ms", fmt.Sprint(report["P95DurationMs"])},
		{"mean_cost", fmt.Sprint(report["MeanCost"])},
	}).Render()
	return nil
}

func workflowExecuteCmd(client *authClient, base, workflowID string) error {
	var out map[string]any
	if err := postJSON(client, base+"/workflow/"+workflowID+"/execute", nil, &out); err != nil {
		return err
	}
	pterm.Success.Printfln("execution started: %v", out["execution_id"])
	return nil
}
