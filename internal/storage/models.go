package storage

import "time"

// Trade is one ledger transaction.
type Trade struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	TxID      string    `gorm:"uniqueIndex;not null" json:"tx_id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Symbol    string    `gorm:"index;not null" json:"symbol"`
	Type      string    `gorm:"not null" json:"type"`
	Amount    float64   `gorm:"not null" json:"amount"`
	Price     float64   `gorm:"not null" json:"price"`
	PnL       *float64  `gorm:"column:pnl" json:"pnl"`
	Strategy  string    `json:"strategy"`
	Reason    string    `json:"reason"`
}

type CycleLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Cycle        int    `gorm:"index" json:"cycle"`
	Symbols      int    `json:"symbols"`
	Transactions int    `json:"transactions"`
	Blocks       int    `json:"blocks"`
	Errors       int    `json:"errors"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `gorm:"type:text" json:"error"`
}

type PortfolioSnapshot struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Equity         float64 `json:"equity"`
	Balance        float64 `json:"balance"`
	PositionsCount int     `json:"positions_count"`
	Drawdown       float64 `json:"drawdown"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	HoldingsJSON   string  `gorm:"type:text" json:"holdings_json"`
}
