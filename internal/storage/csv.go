package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/camuig/kumo-trader/internal/ledger"
)

var csvHeader = []string{"Timestamp", "Symbol", "Type", "Amount", "Price"}

// WriteCSV writes txs in the order given with amounts and prices at six
// decimals.
func WriteCSV(w io.Writer, txs []ledger.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, tx := range txs {
		err := cw.Write([]string{
			tx.Timestamp.UTC().Format(time.RFC3339Nano),
			tx.Symbol,
			string(tx.Type),
			strconv.FormatFloat(tx.Amount, 'f', 6, 64),
			strconv.FormatFloat(tx.Price, 'f', 6, 64),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV replaces the file at path with the CSV of txs.
func ExportCSV(path string, txs []ledger.Transaction) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	if err := WriteCSV(f, txs); err != nil {
		f.Close()
		return fmt.Errorf("write csv: %w", err)
	}
	return f.Close()
}
