package worker

import (
	"time"
)

type Wallet struct {
	ID           int
	Domain       string
	Token        string
	Address      string
	HistoryStart time.Time // reconciliation covers movements after this moment
}
