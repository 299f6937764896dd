// ABOUTME: Admin CLI for the rookery-engine operator API
// ABOUTME: Uses HTTP JSON with JWT authentication to manage identities and billing

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
                  _                             _           _
  _ __ ___   ___ | | _____ _ __ _   _      __ _| |_ __ ___ (_)_ __
 | '__/ _ \ / _ \| |/ / _ \ '__| | | |____/ _' | | '_ ' _ \| | '_ \
 | |  | (_) | (_) |   <  __/ |  | |_| |__| (_| | | | | | | | | | | |
 |_|   \___/ \___/|_|\_\___|_|   \__, |    \__,_|_|_| |_| |_|_|_| |_|
                                 |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("ROOKERY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(baseURL, token)
	case "stats":
		err = cmdStats(baseURL, token)
	case "process":
		err = cmdProcess(baseURL, token, args)
	case "identities":
		err = cmdIdentities(baseURL, token, args)
	case "audit":
		err = cmdAudit(baseURL, token, args)
	case "treasury":
		err = cmdTreasury(baseURL, token, args)
	case "snapshot":
		err = cmdSnapshot(baseURL, token)
	case "login":
		err = cmdLogin(baseURL, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: rookery-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                       Show engine reachability and stats")
	fmt.Println("  stats                        Show subscription counts and treasury")
	fmt.Println("  process [--limit N]          Run one billing batch on demand")
	fmt.Println("  identities                   List registered identities")
	fmt.Println("  identities list              List registered identities")
	fmt.Println("  identities create            Create a new identity")
	fmt.Println("  identities revoke <id>       Revoke an identity")
	fmt.Println("  audit [-n N]                 Show recent audit entries")
	fmt.Println("  treasury withdraw            Pay out platform fees externally")
	fmt.Println("  snapshot                     Persist engine state now")
	fmt.Println("  login --password <pass>      Mint an operator token")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  ROOKERY_URL    Engine base URL (default: http://localhost:8080)")
	fmt.Println("  ROOKERY_TOKEN  JWT authentication token (falls back to ~/.config/rookery/token)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export ROOKERY_TOKEN=\"eyJhbG...\"")
	fmt.Println("  rookery-admin stats")
	fmt.Println("  rookery-admin identities create --name 'Ada' --role creator")
	fmt.Println("  rookery-admin treasury withdraw --dest cold-wallet --amount 5000")
	fmt.Println()
}

// getToken returns the JWT token from ROOKERY_TOKEN env var or the
// ~/.config/rookery/token file.
func getToken() string {
	if token := os.Getenv("ROOKERY_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "rookery", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// apiRequest performs one JSON API call and decodes the response into out.
// Non-2xx responses surface the server's error message.
func apiRequest(baseURL, token, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type statsResponse struct {
	Active         int    `json:"active"`
	Suspended      int    `json:"suspended"`
	Cancelled      int    `json:"cancelled"`
	Treasury       int64  `json:"treasury"`
	CreditedTotal  int64  `json:"credited_total"`
	WithdrawnTotal int64  `json:"withdrawn_total"`
	LastTick       string `json:"last_tick"`
}

func fetchStats(baseURL, token string) (*statsResponse, error) {
	var stats statsResponse
	if err := apiRequest(baseURL, token, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func printStats(stats *statsResponse) {
	cyan := color.New(color.FgCyan)

	fmt.Println()
	cyan.Println("  Engine Stats")
	cyan.Println("  ------------")
	fmt.Printf("  Active:          %d\n", stats.Active)
	fmt.Printf("  Suspended:       %d\n", stats.Suspended)
	fmt.Printf("  Cancelled:       %d\n", stats.Cancelled)
	fmt.Printf("  Treasury:        %d\n", stats.Treasury)
	fmt.Printf("  Credited total:  %d\n", stats.CreditedTotal)
	fmt.Printf("  Withdrawn total: %d\n", stats.WithdrawnTotal)

	lastTick := stats.LastTick
	if t, err := time.Parse(time.RFC3339, lastTick); err == nil && !t.IsZero() {
		lastTick = t.Format("Jan 02 15:04:05")
	}
	fmt.Printf("  Last tick:       %s\n", lastTick)
	fmt.Println()
}

func cmdStats(baseURL, token string) error {
	if token == "" {
		return fmt.Errorf("ROOKERY_TOKEN environment variable is required")
	}
	stats, err := fetchStats(baseURL, token)
	if err != nil {
		return err
	}
	printStats(stats)
	return nil
}

func cmdStatus(baseURL, token string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	if err := apiRequest(baseURL, "", http.MethodGet, "/healthz", nil, nil); err != nil {
		yellow.Printf("  Engine:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}

	green.Printf("  Engine:  ")
	fmt.Printf("connected to %s\n", baseURL)

	if token == "" {
		yellow.Printf("  Token:   ")
		fmt.Println("(no token - set ROOKERY_TOKEN)")
		fmt.Println()
		return nil
	}

	stats, err := fetchStats(baseURL, token)
	if err != nil {
		yellow.Printf("  Token:   ")
		color.Red("auth failed (%v)\n", err)
		fmt.Println()
		return nil
	}
	green.Printf("  Token:   ")
	fmt.Println("valid")
	printStats(stats)
	return nil
}

func cmdProcess(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("ROOKERY_TOKEN environment variable is required")
	}

	limit := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--limit", "-l":
			if i+1 < len(args) {
				if _, err := fmt.Sscanf(args[i+1], "%d", &limit); err != nil {
					return fmt.Errorf("invalid limit: %s", args[i+1])
				}
				i++
			}
		}
	}

	var res struct {
		Scanned   int  `json:"scanned"`
		Charged   int  `json:"charged"`
		Suspended int  `json:"suspended"`
		Wrapped   bool `json:"wrapped"`
	}
	err := apiRequest(baseURL, token, http.MethodPost, "/api/admin/process",
		map[string]int{"limit": limit}, &res)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Batch complete\n")
	fmt.Printf("  Scanned:   %d\n", res.Scanned)
	fmt.Printf("  Charged:   %d\n", res.Charged)
	fmt.Printf("  Suspended: %d\n", res.Suspended)
	if res.Wrapped {
		fmt.Printf("  Cursor wrapped to start\n")
	}
	return nil
}

type identityJSON struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

func cmdIdentities(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("ROOKERY_TOKEN environment variable is required")
	}

	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdIdentitiesList(baseURL, token)
	case "create", "add":
		return cmdIdentitiesCreate(baseURL, token, args)
	case "revoke", "rm", "remove":
		return cmdIdentitiesRevoke(baseURL, token, args)
	default:
		return fmt.Errorf("unknown identities subcommand: %s (use list, create, revoke)", subcmd)
	}
}

func cmdIdentitiesList(baseURL, token string) error {
	var idents []identityJSON
	if err := apiRequest(baseURL, token, http.MethodGet, "/api/identities", nil, &idents); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Identities")
	cyan.Println("  ----------")

	if len(idents) == 0 {
		fmt.Println("  (no identities)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tROLE\tSTATUS\tCREATED")
	fmt.Fprintln(w, "  --\t----\t----\t------\t-------")

	for _, id := range idents {
		created := id.CreatedAt
		if t, err := time.Parse(time.RFC3339, id.CreatedAt); err == nil {
			created = t.Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			truncate(id.ID, 20), truncate(id.DisplayName, 24), id.Role, id.Status, created)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdIdentitiesCreate(baseURL, token string, args []string) error {
	var name, role string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name", "-n":
			if i+1 < len(args) {
				name = args[i+1]
				i++
			}
		case "--role", "-r":
			if i+1 < len(args) {
				role = args[i+1]
				i++
			}
		}
	}

	if name == "" || role == "" {
		return fmt.Errorf("usage: identities create --name <name> --role <patron|creator|admin>")
	}

	var ident identityJSON
	err := apiRequest(baseURL, token, http.MethodPost, "/api/identities",
		map[string]string{"display_name": name, "role": role}, &ident)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created identity: %s\n", ident.ID)
	fmt.Printf("  Name:   %s\n", ident.DisplayName)
	fmt.Printf("  Role:   %s\n", ident.Role)
	fmt.Printf("  Status: %s\n", ident.Status)
	return nil
}

func cmdIdentitiesRevoke(baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: identities revoke <identity-id>")
	}

	id := args[0]
	if err := apiRequest(baseURL, token, http.MethodPost, "/api/identities/"+id+"/revoke", nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Revoked identity: %s\n", id)
	return nil
}

func cmdAudit(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("ROOKERY_TOKEN environment variable is required")
	}

	n := 20
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n", "--count":
			if i+1 < len(args) {
				if _, err := fmt.Sscanf(args[i+1], "%d", &n); err != nil {
					return fmt.Errorf("invalid count: %s", args[i+1])
				}
				i++
			}
		}
	}

	var entries []struct {
		Time     string `json:"time"`
		Severity string `json:"severity"`
		Message  string `json:"message"`
	}
	path := fmt.Sprintf("/api/audit?n=%d", n)
	if err := apiRequest(baseURL, token, http.MethodGet, path, nil, &entries); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Audit Trail")
	cyan.Println("  -----------")

	if len(entries) == 0 {
		fmt.Println("  (no entries)")
		fmt.Println()
		return nil
	}

	for _, e := range entries {
		ts := e.Time
		if t, err := time.Parse(time.RFC3339, e.Time); err == nil {
			ts = t.Format("Jan 02 15:04:05")
		}
		switch e.Severity {
		case "error":
			color.Red("  %s  %s", ts, e.Message)
		case "warn":
			color.Yellow("  %s  %s", ts, e.Message)
		default:
			fmt.Printf("  %s  %s\n", ts, e.Message)
		}
	}
	fmt.Println()
	return nil
}

func cmdTreasury(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("ROOKERY_TOKEN environment variable is required")
	}

	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}
	if subcmd != "withdraw" {
		return fmt.Errorf("usage: treasury withdraw --dest <account> --amount <units>")
	}

	var dest string
	var amount int64
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dest", "-d":
			if i+1 < len(args) {
				dest = args[i+1]
				i++
			}
		case "--amount", "-a":
			if i+1 < len(args) {
				if _, err := fmt.Sscanf(args[i+1], "%d", &amount); err != nil {
					return fmt.Errorf("invalid amount: %s", args[i+1])
				}
				i++
			}
		}
	}

	if dest == "" || amount <= 0 {
		return fmt.Errorf("usage: treasury withdraw --dest <account> --amount <units>")
	}

	var receipt struct {
		Reference string `json:"reference"`
		Sequence  int64  `json:"sequence"`
	}
	err := apiRequest(baseURL, token, http.MethodPost, "/api/admin/treasury/withdraw",
		map[string]any{"destination": dest, "amount": amount}, &receipt)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Treasury payout sent\n")
	fmt.Printf("  Destination: %s\n", dest)
	fmt.Printf("  Amount:      %d\n", amount)
	fmt.Printf("  Reference:   %s\n", receipt.Reference)
	fmt.Printf("  Sequence:    %d\n", receipt.Sequence)
	return nil
}

func cmdSnapshot(baseURL, token string) error {
	if token == "" {
		return fmt.Errorf("ROOKERY_TOKEN environment variable is required")
	}
	if err := apiRequest(baseURL, token, http.MethodPost, "/api/admin/snapshot", nil, nil); err != nil {
		return err
	}
	green := color.New(color.FgGreen)
	green.Println("✓ Snapshot saved")
	return nil
}

func cmdLogin(baseURL string, args []string) error {
	var password string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--password", "-p":
			if i+1 < len(args) {
				password = args[i+1]
				i++
			}
		}
	}
	if password == "" {
		return fmt.Errorf("usage: login --password <pass>")
	}

	var resp struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	err := apiRequest(baseURL, "", http.MethodPost, "/api/login",
		map[string]string{"password": password}, &resp)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	fmt.Println()
	green.Println("  Login successful")
	fmt.Println()
	cyan.Println("  Expires:    " + resp.ExpiresAt)
	fmt.Println()
	fmt.Println("  Token (keep this secret!):")
	fmt.Println()
	fmt.Println("  " + resp.Token)
	fmt.Println()
	fmt.Println("  export ROOKERY_TOKEN=\"" + resp.Token + "\"")
	fmt.Println()
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
