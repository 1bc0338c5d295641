package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/logger"
)

// Journal appends transactions to a JSON-lines file. The file is only ever
// appended to, so it survives restarts and is never rewritten.
type Journal struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	logger *logger.Logger
}

func OpenJournal(path string, log *logger.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{path: path, f: f, logger: log}, nil
}

func (j *Journal) Path() string { return j.path }

// Append writes tx as one line.
func (j *Journal) Append(tx ledger.Transaction) error {
	line, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return errors.New("journal closed")
	}
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// Record appends tx and logs a failure instead of returning it.
func (j *Journal) Record(tx ledger.Transaction) {
	if err := j.Append(tx); err != nil {
		j.logger.Error("journal append", "tx", tx.ID, "error", err)
	}
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// ReadJournal loads every transaction in the file, oldest first. A missing
// file is an empty journal. Lines that do not decode, such as a partial last
// line after a crash, are skipped and counted.
func ReadJournal(path string) ([]ledger.Transaction, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	return decodeJournal(f)
}

func decodeJournal(r io.Reader) ([]ledger.Transaction, int, error) {
	var (
		txs     []ledger.Transaction
		skipped int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var tx ledger.Transaction
		if err := json.Unmarshal(line, &tx); err != nil {
			skipped++
			continue
		}
		txs = append(txs, tx)
	}
	if err := sc.Err(); err != nil {
		return txs, skipped, fmt.Errorf("read journal: %w", err)
	}
	return txs, skipped, nil
}
