package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"

	"github.com/camuig/kumo-trader/internal/ledger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type positionsResponse struct {
	Long  []ledger.PositionView `json:"long"`
	Short []ledger.PositionView `json:"short"`
}

func main() {
	addr := flag.String("addr", "http://localhost:3000", "address of the running trader")
	dryRun := flag.Bool("dry-run", false, "show positions without closing")
	stop := flag.Bool("stop", true, "stop the engine before closing")
	flag.Parse()

	base := strings.TrimRight(*addr, "/")
	client := &http.Client{Timeout: 30 * time.Second}

	var resp positionsResponse
	if err := call(client, http.MethodGet, base+"/api/positions", &resp); err != nil {
		fmt.Fprintf(os.Stderr, "get positions error: %v\n", err)
		os.Exit(1)
	}
	positions := append(resp.Long, resp.Short...)

	if len(positions) == 0 {
		fmt.Println("No open positions.")
		return
	}

	fmt.Printf("Found %d position(s):\n\n", len(positions))
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Symbol", "Side", "Qty", "Entry", "Mark", "Unrealized")
	for _, p := range positions {
		table.Append(
			p.Symbol,
			string(p.Side),
			fmt.Sprintf("%.6f", p.Quantity),
			fmt.Sprintf("%.6f", p.EntryPrice),
			fmt.Sprintf("%.6f", p.Mark),
			fmt.Sprintf("%.2f (%.2f%%)", p.UnrealizedPnL, p.UnrealizedPct),
		)
	}
	table.Render()
	fmt.Println()

	if *dryRun {
		fmt.Println("Dry run, nothing closed.")
		return
	}

	if *stop {
		if err := call(client, http.MethodPost, base+"/api/engine/stop", nil); err != nil {
			fmt.Fprintf(os.Stderr, "stop engine error: %v\n", err)
			os.Exit(1)
		}
	}

	var closed, failed int
	for _, p := range positions {
		var tx ledger.Transaction
		if err := call(client, http.MethodPost, base+"/api/positions/"+p.Asset+"/close", &tx); err != nil {
			fmt.Fprintf(os.Stderr, "  [FAIL] %s: %v\n", p.Symbol, err)
			failed++
			continue
		}

		pnl := 0.0
		if tx.PnL != nil {
			pnl = *tx.PnL
		}
		fmt.Printf("  [OK]   %s: %s %.6f @ %.6f, P&L %.2f\n", p.Symbol, tx.Type, tx.Amount, tx.Price, pnl)
		closed++
	}

	fmt.Printf("\nDone: %d closed, %d failed.\n", closed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func call(client *http.Client, method, url string, out interface{}) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
